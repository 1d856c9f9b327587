// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/gridclaw/internal/types"
)

// EventLog is a JSONL-backed append-only log of job state transitions.
// Events are stored per job in jobs/<jobID>/events.jsonl.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.JobID]*sync.Mutex
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.JobID]*sync.Mutex),
	}
}

// getLock returns the per-job mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(jobID types.JobID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[jobID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[jobID] = lock
	return lock
}

func (e *EventLog) eventsPath(jobID types.JobID) string {
	return filepath.Join(e.root, "jobs", string(jobID), "events.jsonl")
}

// read decodes the whole log. Caller must hold the job lock.
func (e *EventLog) read(jobID types.JobID) ([]*types.JobEvent, error) {
	f, err := os.Open(e.eventsPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.JobEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event types.JobEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return events, nil
}

// Append adds an event to the job's log with an auto-incremented sequence number.
func (e *EventLog) Append(_ context.Context, event *types.JobEvent) error {
	lock := e.getLock(event.JobID)
	lock.Lock()
	defer lock.Unlock()

	path := e.eventsPath(event.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	existing, err := e.read(event.JobID)
	if err != nil {
		return err
	}
	event.Seq = int64(len(existing)) + 1
	if event.At.IsZero() {
		event.At = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Tail returns the last limit events of the job. A limit <= 0 returns all.
func (e *EventLog) Tail(_ context.Context, jobID types.JobID, limit int) ([]*types.JobEvent, error) {
	lock := e.getLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	events, err := e.read(jobID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// Count returns the number of events logged for the job.
func (e *EventLog) Count(_ context.Context, jobID types.JobID) (int64, error) {
	lock := e.getLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	events, err := e.read(jobID)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}
