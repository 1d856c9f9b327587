// Package classify turns messages from the generation service into typed
// outcomes. The service reports failures only through message wording, flags
// and deletions, so classification runs a small pattern table over the
// message text in a fixed order.
package classify

import (
	"strings"
	"sync"

	"github.com/user/gridclaw/internal/types"
)

// ObservationKind says how a message was observed.
type ObservationKind int

const (
	Created ObservationKind = iota
	Updated
	Deleted
)

func (k ObservationKind) String() string {
	switch k {
	case Created:
		return "create"
	case Updated:
		return "update"
	case Deleted:
		return "delete"
	}
	return "unknown"
}

// Observation is one message event correlated to a request. Deleted
// observations carry only MessageID.
type Observation struct {
	Kind      ObservationKind
	MessageID string
	Message   *types.Message
}

func (o Observation) id() string {
	if o.MessageID != "" {
		return o.MessageID
	}
	if o.Message != nil {
		return o.Message.ID
	}
	return ""
}

// History is what a single request has observed so far. A fresh History is
// used for every request so nothing carries over between jobs.
type History struct {
	mu         sync.Mutex
	progressed map[string]bool
	warned     map[string]bool
	content    map[string]string
}

func NewHistory() *History {
	return &History{
		progressed: make(map[string]bool),
		warned:     make(map[string]bool),
		content:    make(map[string]string),
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	patterns map[Match][]Pattern
}

// New builds a classifier from the given pattern table.
func New(patterns ...Pattern) *Classifier {
	c := &Classifier{patterns: make(map[Match][]Pattern)}
	for _, p := range patterns {
		c.patterns[p.Match] = append(c.patterns[p.Match], p)
	}
	return c
}

// Default returns a classifier over DefaultPatterns.
func Default() *Classifier {
	return New(DefaultPatterns()...)
}

func (c *Classifier) any(m Match, text string) bool {
	for _, p := range c.patterns[m] {
		if p.matches(text) {
			return true
		}
	}
	return false
}

func (c *Classifier) progress(text string) (int, bool) {
	for _, p := range c.patterns[MatchProgress] {
		if n, ok := p.progress(text); ok {
			return n, true
		}
	}
	return 0, false
}

// Classify decides the outcome of obs given what h has already seen, and
// records obs into h. A nil h classifies without history.
func (c *Classifier) Classify(h *History, obs Observation) Outcome {
	if h == nil {
		h = NewHistory()
	}
	id := obs.id()
	out := Outcome{Kind: Pending, MessageID: id, Progress: -1, Message: obs.Message}

	h.mu.Lock()
	defer h.mu.Unlock()

	if obs.Kind == Deleted {
		if h.warned[id] {
			out.Kind = EphemeralModeration
			out.Content = h.content[id]
		}
		return out
	}
	msg := obs.Message
	if msg == nil {
		return out
	}
	full := msg.Text()
	out.Content = full
	defer func() { h.content[id] = full }()
	text := statusText(full)

	if c.any(MatchEphemeral, text) {
		if msg.Flags&types.FlagEphemeral != 0 {
			out.Kind = EphemeralModeration
			return out
		}
		h.warned[id] = true
	}
	if c.any(MatchQueueFull, text) {
		out.Kind = QueueFull
		return out
	}
	if c.any(MatchInvalid, text) {
		out.Kind = InvalidRequest
		return out
	}
	if c.any(MatchStop, text) {
		if h.progressed[id] {
			out.Kind = PostModeration
		} else {
			out.Kind = PreModeration
		}
		return out
	}
	if c.any(MatchPreModeration, text) {
		out.Kind = PreModeration
		return out
	}
	if c.any(MatchQueued, text) {
		out.Kind = JobQueued
		return out
	}
	if n, ok := c.progress(text); ok {
		out.Progress = n
		h.progressed[id] = true
		return out
	}
	if _, ok := msg.Image(); ok {
		out.Kind = Success
	}
	return out
}

// statusText drops the leading **prompt** echo, so words in the user's own
// prompt are never read as service status.
func statusText(text string) string {
	rest, ok := strings.CutPrefix(strings.TrimLeft(text, " \n"), "**")
	if !ok {
		return text
	}
	end := strings.Index(rest, "**")
	if end < 0 {
		return text
	}
	return rest[end+2:]
}
