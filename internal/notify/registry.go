// internal/notify/registry.go
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNoHandler is returned when no registered prefix matches the target.
var ErrNoHandler = errors.New("no notify handler")

// Handler delivers message to target, e.g. "telegram:12345".
type Handler func(ctx context.Context, target, message string) error

// Registry routes summaries to the handler registered for the target's
// prefix. The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for targets starting with prefix, replacing any
// previous one.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

func (r *Registry) Deliver(ctx context.Context, target, message string) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) && (handler == nil || len(prefix) > len(best)) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()
	if handler == nil {
		return fmt.Errorf("%w for target: %s", ErrNoHandler, target)
	}
	return handler(ctx, target, message)
}

// LogHandler writes summaries to the process log.
func LogHandler(_ context.Context, target, message string) error {
	slog.Info("job summary", "target", target, "summary", message)
	return nil
}
