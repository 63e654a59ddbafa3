package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/store"
)

// ProgressStore keeps progress snapshots in a map. It is enumerable.
type ProgressStore struct {
	mu    sync.RWMutex
	snaps map[string]progress.Snapshot
}

var _ store.EnumerableProgressStore = (*ProgressStore)(nil)

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{snaps: make(map[string]progress.Snapshot)}
}

// Get returns the snapshot for taskID or store.ErrNotFound.
func (s *ProgressStore) Get(_ context.Context, taskID string) (progress.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[taskID]
	if !ok {
		return progress.Snapshot{}, store.ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// Put replaces the snapshot for snap.TaskID.
func (s *ProgressStore) Put(_ context.Context, snap progress.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.TaskID] = cloneSnapshot(snap)
	return nil
}

// Evict drops one snapshot.
func (s *ProgressStore) Evict(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, taskID)
	return nil
}

// Clear drops every snapshot.
func (s *ProgressStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.snaps)
	return nil
}

// IDs lists stored task ids in lexical order.
func (s *ProgressStore) IDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns every snapshot ordered by task id.
func (s *ProgressStore) List(ctx context.Context) ([]progress.Snapshot, error) {
	ids, _ := s.IDs(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]progress.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.snaps[id]; ok {
			out = append(out, cloneSnapshot(snap))
		}
	}
	return out, nil
}

func cloneSnapshot(s progress.Snapshot) progress.Snapshot {
	s.Extensions = maps.Clone(s.Extensions)
	return s
}
