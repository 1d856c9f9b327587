// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/gridclaw/internal/state"
	"github.com/user/gridclaw/internal/types"
)

// Handler receives the post built from a task each time it fires.
type Handler func(task string, post *types.Post)

// Scheduler fires enabled tasks that carry a cron schedule.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the scheduler accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers the scheduled tasks and starts the cron ticker. Tasks with
// an unparsable schedule are logged and skipped.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		id, err := s.cron.AddFunc(task.Schedule, func() {
			post := task.Post()
			slog.Info("cron firing task", "name", task.Name, "post_id", string(post.ID))
			s.handler(task.Name, post)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		s.entries[task.Name] = id
		slog.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload rebuilds the cron table from the task store.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	<-s.cron.Stop().Done()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()
	return s.Start()
}

// Next returns the next fire time of the named task.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Stop stops the ticker and waits for running handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
