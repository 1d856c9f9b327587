// internal/state/task.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/user/gridclaw/internal/types"
)

var ErrTaskNotFound = errors.New("task not found")

// Task is a named generation run that fires on a cron schedule or on demand.
type Task struct {
	Name       string            `json:"name"`
	Prompt     string            `json:"prompt"`
	Options    types.Options     `json:"options"`
	Variations []types.Variation `json:"variations,omitempty"`
	Schedule   string            `json:"schedule,omitempty"`
	// Notify is a notifier target such as "telegram:123".
	Notify  string `json:"notify,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Post builds the submission the task describes.
func (t *Task) Post() *types.Post {
	return &types.Post{
		ID:         types.NewPostID(),
		Prompt:     t.Prompt,
		Options:    t.Options,
		Variations: t.Variations,
		Notify:     t.Notify,
	}
}

// TaskStore is a JSON-file-backed store for tasks.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

func (s *TaskStore) Path() string {
	return s.path
}

// List returns all tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []*Task{}, nil
	}
	return tasks, nil
}

func (s *TaskStore) Get(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if i := indexOf(tasks, name); i >= 0 {
		return tasks[i], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}

// Add appends a task. Names are unique.
func (s *TaskStore) Add(task *Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Prompt == "" {
		return errors.New("task prompt is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	if indexOf(tasks, task.Name) >= 0 {
		return fmt.Errorf("task already exists: %s", task.Name)
	}
	return s.save(append(tasks, task))
}

func (s *TaskStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return s.save(append(tasks[:i], tasks[i+1:]...))
}

func (s *TaskStore) SetEnabled(name string, enabled bool) error {
	return s.Update(name, func(t *Task) { t.Enabled = enabled })
}

// Update applies fn to the named task and saves the result.
func (s *TaskStore) Update(name string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(tasks, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	fn(tasks[i])
	tasks[i].Name = name
	return s.save(tasks)
}

func indexOf(tasks []*Task, name string) int {
	for i, t := range tasks {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (s *TaskStore) load() ([]*Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []*Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
