package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnauthorized is matched by a StatusError carrying 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx response that was not a rate limit.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// Temporary reports whether the status is a server-side failure.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// RateLimitError is an explicit rate-limit rejection that outlasted the
// allowed number of waits.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	scope := "endpoint"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf("rate limited (%s) on %s, retry after %s", scope, e.Endpoint, e.RetryAfter)
}

// TransportError wraps a failure to get any response at all.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
