package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/gridclaw/internal/types"
)

var ErrRecordNotFound = errors.New("job record not found")

// JobRecordStore keeps one JSON file per job at records/<jobID>.json.
type JobRecordStore struct {
	root string
	mu   sync.RWMutex
}

func NewJobRecordStore(root string) *JobRecordStore {
	return &JobRecordStore{root: root}
}

func (s *JobRecordStore) dir() string {
	return filepath.Join(s.root, "records")
}

func (s *JobRecordStore) path(id types.JobID) string {
	return filepath.Join(s.dir(), string(id)+".json")
}

// Upsert writes record, stamping CreatedAt on first write and UpdatedAt on
// every write.
func (s *JobRecordStore) Upsert(_ context.Context, record *types.JobRecord) error {
	if record.JobID == "" {
		return errors.New("job record without job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if prev, err := s.load(record.JobID); err == nil && record.CreatedAt.IsZero() {
		record.CreatedAt = prev.CreatedAt
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	if err := writeFileAtomic(s.path(record.JobID), data); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	return nil
}

func (s *JobRecordStore) load(id types.JobID) (*types.JobRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}
	var rec types.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	return &rec, nil
}

func (s *JobRecordStore) Get(_ context.Context, id types.JobID) (*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(id)
}

// List returns records newest first. A non-empty postID filters to one post.
func (s *JobRecordStore) List(_ context.Context, postID types.PostID) ([]*types.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir(), "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob job records: %w", err)
	}
	records := make([]*types.JobRecord, 0, len(matches))
	for _, m := range matches {
		id := types.JobID(filepath.Base(m[:len(m)-len(".json")]))
		rec, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if postID != "" && rec.PostID != postID {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}
