package classify

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/user/gridclaw/internal/types"
)

// Kind is the classified outcome of an observed message.
type Kind string

const (
	Pending             Kind = "pending"
	Success             Kind = "success"
	PreModeration       Kind = "pre_moderation"
	PostModeration      Kind = "post_moderation"
	EphemeralModeration Kind = "ephemeral_moderation"
	InvalidRequest      Kind = "invalid_request"
	QueueFull           Kind = "queue_full"
	JobQueued           Kind = "job_queued"
)

var (
	ErrPreModeration       = errors.New("pre-moderation")
	ErrPostModeration      = errors.New("post-moderation")
	ErrEphemeralModeration = errors.New("ephemeral moderation")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrQueueFull           = errors.New("queue full")
)

var sentinels = map[Kind]error{
	PreModeration:       ErrPreModeration,
	PostModeration:      ErrPostModeration,
	EphemeralModeration: ErrEphemeralModeration,
	InvalidRequest:      ErrInvalidRequest,
	QueueFull:           ErrQueueFull,
}

const maxSnippet = 200

// Outcome is the classification of one observation.
type Outcome struct {
	Kind      Kind
	MessageID string
	Content   string
	// Progress is the percentage reported by an in-progress message, or -1.
	Progress int
	Message  *types.Message
}

// Terminal reports whether the outcome resolves a waiting request.
func (o Outcome) Terminal() bool {
	return o.Kind != Pending && o.Kind != JobQueued
}

// Retryable reports whether the same step may be attempted again.
func (o Outcome) Retryable() bool {
	return o.Kind == EphemeralModeration
}

// Err returns the failure carried by the outcome, or nil for Success,
// Pending and JobQueued.
func (o Outcome) Err() error {
	if _, ok := sentinels[o.Kind]; !ok {
		return nil
	}
	return &Error{Kind: o.Kind, MessageID: o.MessageID, Snippet: Snippet(o.Content)}
}

// Error is a classified failure. It matches the sentinel of its kind with
// errors.Is.
type Error struct {
	Kind      Kind
	MessageID string
	Snippet   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.MessageID != "" {
		fmt.Fprintf(&b, " (message %s)", e.MessageID)
	}
	if e.Snippet != "" {
		b.WriteString(": ")
		b.WriteString(e.Snippet)
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Snippet trims s to at most 200 runes.
func Snippet(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxSnippet {
		return s
	}
	r := []rune(s)
	return string(r[:maxSnippet])
}
