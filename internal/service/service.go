// Package service runs bulk tasks end to end. It validates submissions,
// applies admission control, creates the live tracker, starts its progress
// refresh, and hands the task to the coordinator.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/cache"
	"github.com/JakeFAU/bulkops/internal/coordinator"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/store"
)

// Counter strategy names accepted in Config.Counter.
const (
	CounterAtomic = "atomic"
	CounterPlain  = "plain"
	CounterBitset = "bitset"
)

const maxTaskIDLen = 128

var (
	// ErrBusy is returned when the executor cannot admit another task.
	ErrBusy = errors.New("too many running tasks")
	// ErrDuplicateTask is returned when the task id is already tracked.
	ErrDuplicateTask = errors.New("task already submitted")
	// ErrInvalidTask is returned when a submission fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

// Config tunes the trackers created for each task.
type Config struct {
	// Counter selects the tracker counter strategy (default atomic).
	Counter string
	// AlmostDone is the ratio reported before a fully processed task is finalized.
	AlmostDone float64
	// StrictFinish requires processed == total before a tracker can finish.
	StrictFinish bool
	// MaxItems caps the number of items per task; zero means no cap.
	MaxItems int
}

// Runner is the part of the coordinator the service drives.
type Runner interface {
	CanExecute() bool
	Run(ctx context.Context, task batch.Task, tracker *progress.Tracker) (batch.Record, error)
}

// Service accepts tasks and runs them in the background.
type Service struct {
	cfg      Config
	runner   Runner
	cache    *cache.Cache
	handlers *batch.HandlerRegistry
	ids      batch.IDGenerator
	clock    batch.Clock
	logger   *zap.Logger

	wg sync.WaitGroup
}

var _ Runner = (*coordinator.Coordinator)(nil)

// New wires a Service. The counter strategy is validated up front.
func New(
	cfg Config,
	runner Runner,
	progressCache *cache.Cache,
	handlers *batch.HandlerRegistry,
	ids batch.IDGenerator,
	clock batch.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if runner == nil || progressCache == nil || handlers == nil || ids == nil {
		return nil, errors.New("runner, cache, handlers and id generator are required")
	}
	if _, err := NewCounter(cfg.Counter); err != nil {
		return nil, err
	}
	if cfg.MaxItems < 0 {
		return nil, fmt.Errorf("max items must be >= 0, got %d", cfg.MaxItems)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		runner:   runner,
		cache:    progressCache,
		handlers: handlers,
		ids:      ids,
		clock:    clock,
		logger:   logger.Named("service"),
	}, nil
}

// NewCounter returns a fresh counter for the strategy name. An empty name
// selects the atomic counter.
func NewCounter(name string) (progress.Counter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CounterAtomic:
		return progress.NewAtomicCounter(), nil
	case CounterPlain:
		return progress.NewPlainCounter(), nil
	case CounterBitset:
		return progress.NewBitsetCounter(), nil
	default:
		return nil, fmt.Errorf("unknown counter strategy %q", name)
	}
}

// Prepare validates task and assigns an id when it has none.
func (s *Service) Prepare(task batch.Task) (batch.Task, error) {
	task.DataType = strings.TrimSpace(task.DataType)
	task.Operation = strings.TrimSpace(task.Operation)
	switch {
	case task.DataType == "":
		return task, fmt.Errorf("%w: data_type is required", ErrInvalidTask)
	case task.Operation == "":
		return task, fmt.Errorf("%w: operation is required", ErrInvalidTask)
	case len(task.Items) == 0:
		return task, fmt.Errorf("%w: %w", ErrInvalidTask, batch.ErrEmptyTask)
	case s.cfg.MaxItems > 0 && len(task.Items) > s.cfg.MaxItems:
		return task, fmt.Errorf("%w: %d items exceeds limit %d", ErrInvalidTask, len(task.Items), s.cfg.MaxItems)
	case len(task.ID) > maxTaskIDLen:
		return task, fmt.Errorf("%w: task_id longer than %d", ErrInvalidTask, maxTaskIDLen)
	}
	if _, err := s.handlers.Resolve(task.DataType, task.Operation); err != nil {
		return task, err
	}
	if task.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return task, fmt.Errorf("assign task id: %w", err)
		}
		task.ID = id
	}
	return task, nil
}

// Submit admits task and runs it in the background. It returns the task with
// its assigned id as soon as the tracker exists. The run outlives ctx.
func (s *Service) Submit(ctx context.Context, task batch.Task) (batch.Task, error) {
	task, err := s.Prepare(task)
	if err != nil {
		return task, err
	}
	if !s.runner.CanExecute() {
		return task, ErrBusy
	}
	runCtx := context.WithoutCancel(ctx)
	tracker, err := s.track(runCtx, task)
	if err != nil {
		return task, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.execute(runCtx, task, tracker)
	}()
	s.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("data_type", task.DataType),
		zap.String("operation", task.Operation),
		zap.Int("items", len(task.Items)))
	return task, nil
}

// Run executes task on the calling goroutine without admission control and
// returns the record together with the final progress snapshot.
func (s *Service) Run(ctx context.Context, task batch.Task) (batch.Record, progress.Snapshot, error) {
	task, err := s.Prepare(task)
	if err != nil {
		return batch.Record{}, progress.Snapshot{}, err
	}
	tracker, err := s.track(ctx, task)
	if err != nil {
		return batch.Record{}, progress.Snapshot{}, err
	}
	rec, err := s.execute(ctx, task, tracker)
	return rec, tracker.Snapshot(), err
}

// Wait blocks until every background run returns or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

// track creates the single live tracker for task and starts its refresh.
func (s *Service) track(ctx context.Context, task batch.Task) (*progress.Tracker, error) {
	if _, err := s.cache.FindProgress(ctx, task.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check task %s: %w", task.ID, err)
	}

	tracker, created := s.cache.GetOrCreate(task.ID, s.newTracker)
	if !created {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if _, err := s.cache.TriggerFlush(ctx, tracker); err != nil {
		s.logger.Warn("progress refresh not scheduled", zap.String("task_id", task.ID), zap.Error(err))
	}
	return tracker, nil
}

func (s *Service) newTracker(id string) *progress.Tracker {
	// validated in New
	counter, _ := NewCounter(s.cfg.Counter)
	opts := []progress.Option{
		progress.WithCounter(counter),
		progress.WithAutoFinish(false),
		progress.WithStrictFinish(s.cfg.StrictFinish),
		progress.WithAlmostDone(s.cfg.AlmostDone),
		progress.WithOnFinish(func(snap progress.Snapshot) {
			s.logger.Info("task progress final",
				zap.String("task_id", snap.TaskID),
				zap.String("status", snap.StatusName),
				zap.Int64("success", snap.Success),
				zap.Int64("fail", snap.Fail),
				zap.Duration("elapsed", snap.ProcessedTime))
		}),
	}
	if s.clock != nil {
		opts = append(opts, progress.WithClock(s.clock))
	}
	return progress.NewTracker(id, opts...)
}

// execute runs the coordinator and writes the terminal snapshot so readers
// see it without waiting for the next refresh tick.
func (s *Service) execute(ctx context.Context, task batch.Task, tracker *progress.Tracker) (batch.Record, error) {
	rec, err := s.runner.Run(ctx, task, tracker)
	if err != nil {
		s.logger.Warn("task run failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	if flushErr := s.cache.Flush(ctx, tracker); flushErr != nil {
		s.logger.Warn("final progress write failed", zap.String("task_id", task.ID), zap.Error(flushErr))
	}
	return rec, err
}
