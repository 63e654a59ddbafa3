package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/bulkops/internal/store"
)

// RunStore provides an in-memory task run history for development/testing.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]store.TaskRun
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]store.TaskRun)}
}

// UpsertRunStart records a running row, keeping the first start time.
func (s *RunStore) UpsertRunStart(_ context.Context, run store.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.TaskID]; ok && !existing.StartedAt.IsZero() {
		run.StartedAt = existing.StartedAt
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.runs[run.TaskID] = run
	return nil
}

// CompleteRun stores the final outcome of a run.
func (s *RunStore) CompleteRun(_ context.Context, taskID string, done store.RunCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.ErrNotFound
	}
	finished := done.FinishedAt
	run.FinishedAt = &finished
	run.Status = done.Status
	run.Total = done.Total
	run.Success = done.Success
	run.Fail = done.Fail
	run.ErrorMessage = done.ErrMsg
	s.runs[taskID] = run
	return nil
}

// GetRun fetches one run by task id.
func (s *RunStore) GetRun(_ context.Context, taskID string) (store.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[taskID]
	if !ok {
		return store.TaskRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.TaskRun, error) {
	s.mu.RLock()
	out := make([]store.TaskRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.TaskRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
