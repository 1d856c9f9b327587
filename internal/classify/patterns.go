package classify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dlclark/regexp2"
)

// Match is the category of wording a pattern recognises.
type Match int

const (
	MatchStop Match = iota
	MatchPreModeration
	MatchEphemeral
	MatchInvalid
	MatchQueueFull
	MatchQueued
	// MatchProgress patterns must capture the percentage in a group named pct.
	MatchProgress
)

func (m Match) String() string {
	switch m {
	case MatchStop:
		return "stop"
	case MatchPreModeration:
		return "pre_moderation"
	case MatchEphemeral:
		return "ephemeral"
	case MatchInvalid:
		return "invalid"
	case MatchQueueFull:
		return "queue_full"
	case MatchQueued:
		return "queued"
	case MatchProgress:
		return "progress"
	}
	return "match(" + strconv.Itoa(int(m)) + ")"
}

const matchTimeout = 100 * time.Millisecond

// Pattern is one compiled, case-insensitive entry of the pattern table.
type Pattern struct {
	Match Match
	Expr  string
	re    *regexp2.Regexp
}

func NewPattern(m Match, expr string) (Pattern, error) {
	re, err := regexp2.Compile(expr, regexp2.IgnoreCase)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile %s pattern %q: %w", m, expr, err)
	}
	re.MatchTimeout = matchTimeout
	return Pattern{Match: m, Expr: expr, re: re}, nil
}

func MustPattern(m Match, expr string) Pattern {
	p, err := NewPattern(m, expr)
	if err != nil {
		panic(err)
	}
	return p
}

// matches reports a match; a timed-out match counts as no match.
func (p Pattern) matches(s string) bool {
	ok, err := p.re.MatchString(s)
	return err == nil && ok
}

func (p Pattern) progress(s string) (int, bool) {
	m, err := p.re.FindStringMatch(s)
	if err != nil || m == nil {
		return 0, false
	}
	g := m.GroupByName("pct")
	if g == nil || g.String() == "" {
		return 0, false
	}
	n, err := strconv.Atoi(g.String())
	if err != nil {
		return 0, false
	}
	return n, true
}

// DefaultPatterns is the wording used by the upstream generation service.
func DefaultPatterns() []Pattern {
	return []Pattern{
		MustPattern(MatchStop, `\((?:stopped|blocked)\)`),
		MustPattern(MatchStop, `\bjob (?:was |has been )?(?:stopped|cancell?ed|removed)\b`),
		MustPattern(MatchStop, `\bimage (?:was |has been )?(?:removed|hidden|stopped)\b`),

		MustPattern(MatchPreModeration, `\bbanned prompt\b`),
		MustPattern(MatchPreModeration, `\bai moderator\b`),
		MustPattern(MatchPreModeration, `\bprompt (?:was |has been )?(?:rejected|blocked)\b`),
		MustPattern(MatchPreModeration, `\baction needed to continue\b`),

		MustPattern(MatchEphemeral, `\b(?:content|prompt|request) (?:may|might) (?:violate|be against)\b`),
		MustPattern(MatchEphemeral, `\bfilter(?:ed)? warning\b`),
		MustPattern(MatchEphemeral, `\bthis message will (?:self-)?(?:delete|disappear)\b`),

		MustPattern(MatchInvalid, `\binvalid (?:parameter|argument|link|aspect ratio|value)s?\b`),
		MustPattern(MatchInvalid, `\bunrecognized (?:parameter|argument)s?\b`),
		MustPattern(MatchInvalid, `\bcannot be used with\b`),

		MustPattern(MatchQueueFull, `\bqueue is full\b`),
		MustPattern(MatchQueueFull, `\bmaximum (?:allowed )?number of (?:concurrent|queued) jobs\b`),
		MustPattern(MatchQueueFull, `\bjob queue(?:d)? limit\b`),

		MustPattern(MatchQueued, `\bwaiting to start\b`),
		MustPattern(MatchQueued, `\bjob queued\b(?![^\n]*\blimit\b)`),

		MustPattern(MatchProgress, `\((?<pct>\d{1,3})%\)`),
	}
}
