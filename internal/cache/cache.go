// Package cache keeps live progress trackers and mirrors their snapshots
// into a backing store on a repeating schedule until each task finishes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/metrics"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/schedule"
	"github.com/JakeFAU/bulkops/internal/store"
)

// DefaultRefresh is the refresh cadence when none is configured.
const DefaultRefresh = time.Second

// Factory builds a new tracker for id.
type Factory func(id string) *progress.Tracker

// Cache owns the single live tracker of each task and its refresh loop.
type Cache struct {
	backing store.ProgressStore
	sched   *schedule.Scheduler
	every   cron.Schedule
	logger  *zap.Logger

	mu       sync.RWMutex
	trackers map[string]*progress.Tracker

	// flushMu serializes every write to the backing store.
	flushMu sync.Mutex
}

// New constructs a Cache. A nil refresh schedule uses DefaultRefresh.
func New(backing store.ProgressStore, sched *schedule.Scheduler, every cron.Schedule, logger *zap.Logger) (*Cache, error) {
	if backing == nil {
		return nil, errors.New("progress store is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if every == nil {
		every = schedule.Every(DefaultRefresh)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		backing:  backing,
		sched:    sched,
		every:    every,
		logger:   logger,
		trackers: make(map[string]*progress.Tracker),
	}, nil
}

// GetOrCreate returns the live tracker for id, creating it with factory when
// absent. It reports whether this call created the tracker.
func (c *Cache) GetOrCreate(id string, factory Factory) (*progress.Tracker, bool) {
	c.mu.RLock()
	t, ok := c.trackers[id]
	c.mu.RUnlock()
	if ok {
		return t, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.trackers[id]; ok {
		return t, false
	}
	if factory == nil {
		t = progress.NewTracker(id)
	} else {
		t = factory(id)
	}
	c.trackers[id] = t
	return t, true
}

// Tracker returns the live tracker for id.
func (c *Cache) Tracker(id string) (*progress.Tracker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trackers[id]
	return t, ok
}

// FindProgress reads the stored snapshot first and falls back to the live
// tracker. It returns store.ErrNotFound when neither knows the task.
func (c *Cache) FindProgress(ctx context.Context, id string) (progress.Snapshot, error) {
	snap, err := c.backing.Get(ctx, id)
	if err == nil {
		return snap, nil
	}
	if t, ok := c.Tracker(id); ok {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("progress store read failed; serving live tracker",
				zap.String("task_id", id), zap.Error(err))
		}
		return t.Snapshot(), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return progress.Snapshot{}, store.ErrNotFound
	}
	return progress.Snapshot{}, fmt.Errorf("find progress %s: %w", id, err)
}

// Flush writes one snapshot of t to the backing store.
func (c *Cache) Flush(ctx context.Context, t *progress.Tracker) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	err := c.backing.Put(ctx, t.Snapshot())
	metrics.ObserveProgressFlush(err == nil)
	if err != nil {
		return fmt.Errorf("flush progress %s: %w", t.ID(), err)
	}
	return nil
}

// TriggerFlush writes t immediately and then keeps refreshing it until it
// finishes. The final refresh runs the tracker's on-finish callback once and
// releases the live tracker. The returned handle cancels the refresh; it is
// nil when t had already finished.
func (c *Cache) TriggerFlush(ctx context.Context, t *progress.Tracker) (*schedule.Handle, error) {
	if c.refresh(ctx, t) {
		return nil, nil
	}
	h, err := c.sched.Repeat(ctx, refreshID(t.ID()), c.every, func(ctx context.Context) bool {
		return !c.refresh(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule progress refresh %s: %w", t.ID(), err)
	}
	return h, nil
}

// refresh flushes t and reports whether it was terminal before the flush,
// in which case the flush carried its final state.
func (c *Cache) refresh(ctx context.Context, t *progress.Tracker) (done bool) {
	done = t.HasFinished()
	if err := c.Flush(ctx, t); err != nil {
		c.logger.Warn("progress refresh failed", zap.String("task_id", t.ID()), zap.Error(err))
		if done {
			// retry the final write on the next tick
			return false
		}
	}
	if done {
		t.NotifyFinished()
		c.release(t)
	}
	return done
}

// release drops t from the live map if it is still the registered tracker.
func (c *Cache) release(t *progress.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trackers[t.ID()] == t {
		delete(c.trackers, t.ID())
	}
}

// Evict stops refreshing id and removes it from the cache and the store.
func (c *Cache) Evict(ctx context.Context, id string) error {
	if err := c.stopRefresh(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.trackers, id)
	c.mu.Unlock()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if err := c.backing.Evict(ctx, id); err != nil {
		return fmt.Errorf("evict progress %s: %w", id, err)
	}
	return nil
}

// Clear stops every refresh and empties the cache and the store.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.trackers))
	for id := range c.trackers {
		ids = append(ids, id)
	}
	clear(c.trackers)
	c.mu.Unlock()
	for _, id := range ids {
		if err := c.stopRefresh(ctx, id); err != nil {
			return err
		}
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if err := c.backing.Clear(ctx); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}

// Live returns the number of live trackers.
func (c *Cache) Live() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trackers)
}

// IDs lists stored task ids when the backing store is enumerable.
func (c *Cache) IDs(ctx context.Context) ([]string, error) {
	enum, ok := c.backing.(store.EnumerableProgressStore)
	if !ok {
		return nil, store.ErrUnsupported
	}
	ids, err := enum.IDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress ids: %w", err)
	}
	return ids, nil
}

// List returns stored snapshots when the backing store is enumerable.
func (c *Cache) List(ctx context.Context) ([]progress.Snapshot, error) {
	enum, ok := c.backing.(store.EnumerableProgressStore)
	if !ok {
		return nil, store.ErrUnsupported
	}
	snaps, err := enum.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return snaps, nil
}

// stopRefresh cancels the refresh of id and waits for an in-flight write so
// nothing lands in the store afterwards.
func (c *Cache) stopRefresh(ctx context.Context, id string) error {
	h, ok := c.sched.Lookup(refreshID(id))
	if !ok {
		return nil
	}
	h.Cancel()
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop progress refresh %s: %w", id, ctx.Err())
	}
}

func refreshID(taskID string) string {
	return "progress:" + taskID
}
