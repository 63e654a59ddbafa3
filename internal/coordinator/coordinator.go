// Package coordinator runs one bulk task end to end: it splits the task,
// fans slices out to workers, drains exactly one result per item into the
// progress tracker, and persists the finished record.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/metrics"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/queue"
	"github.com/JakeFAU/bulkops/internal/worker"
)

// ExtPersistError is the tracker extension set when the finished record could
// not be stored.
const ExtPersistError = "persist_error"

// ExtPersistSkipped is the tracker extension set when persistence was
// requested but no store is configured.
const ExtPersistSkipped = "persist_skipped"

// Config tunes the coordinator.
type Config struct {
	// MaxWorkers caps the workers used for one task, the inline one included.
	MaxWorkers int
	// AdmissionThreshold is the executor load at which CanExecute turns false.
	AdmissionThreshold int
}

// Option mutates optional collaborators.
type Option func(*Coordinator)

// WithStores wires the record and detail persistence collaborators.
func WithStores(records batch.RecordStore, details batch.DetailStore) Option {
	return func(c *Coordinator) {
		c.records = records
		c.details = details
	}
}

// WithEmitter wires the operation-log emitter.
func WithEmitter(e progress.Emitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithClock overrides the wall clock.
func WithClock(clock batch.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// loadGate is implemented by executors that can report their current load.
type loadGate interface {
	CanExecute(threshold int) bool
}

// Coordinator orchestrates bulk task runs. It is safe for concurrent Run calls;
// all per-run state lives on the Run stack.
type Coordinator struct {
	cfg       Config
	splitters *batch.SplitterRegistry
	handlers  *batch.HandlerRegistry
	executor  batch.Executor
	records   batch.RecordStore
	details   batch.DetailStore
	emitter   progress.Emitter
	clock     batch.Clock
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a Coordinator. A nil executor runs every slice inline.
func New(
	cfg Config,
	splitters *batch.SplitterRegistry,
	handlers *batch.HandlerRegistry,
	executor batch.Executor,
	opts ...Option,
) *Coordinator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	c := &Coordinator{
		cfg:       cfg,
		splitters: splitters,
		handlers:  handlers,
		executor:  executor,
		tracer:    otel.Tracer("github.com/JakeFAU/bulkops/internal/coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.clock == nil {
		c.clock = utcClock{}
	}
	return c
}

// CanExecute reports whether the executor has room for another task. Once a
// run has started it is never throttled.
func (c *Coordinator) CanExecute() bool {
	gate, ok := c.executor.(loadGate)
	if !ok {
		return true
	}
	if gate.CanExecute(c.cfg.AdmissionThreshold) {
		return true
	}
	metrics.ObserveAdmissionRejection()
	return false
}

// Run executes task synchronously and blocks until every item has a result
// or a fatal error occurs. The tracker must be WAITING. On success the
// tracker ends FINISHED; any fatal error before persistence leaves it in
// EXCEPTION. A persistence failure returns the record together with a
// *batch.StorageError.
func (c *Coordinator) Run(ctx context.Context, task batch.Task, tracker *progress.Tracker) (rec batch.Record, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.run", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("data_type", task.DataType),
		attribute.String("operation", task.Operation),
		attribute.Int("items", len(task.Items)),
	))
	defer span.End()

	logger := c.logger.With(zap.String("task_id", task.ID))
	start := c.clock.Now()
	c.emit(progress.Event{
		TaskID:    task.ID,
		Stage:     progress.StageTaskStart,
		DataType:  task.DataType,
		Operation: task.Operation,
		Total:     int64(len(task.Items)),
	})

	defer func() {
		outcome := "success"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			outcome = "error"
			var storageErr *batch.StorageError
			if errors.As(err, &storageErr) {
				outcome = "persist_error"
			} else {
				tracker.FailStop()
			}
			logger.Error("task failed", zap.Error(err))
		}
		metrics.ObserveRun(outcome)
		success, fail := tracker.Counts()
		evt := progress.Event{
			TaskID:    task.ID,
			Stage:     progress.StageTaskDone,
			DataType:  task.DataType,
			Operation: task.Operation,
			Total:     tracker.Total(),
			Success:   success,
			Fail:      fail,
			Dur:       c.clock.Now().Sub(start),
		}
		if err != nil {
			evt.Stage = progress.StageTaskError
			evt.Note = err.Error()
		}
		c.emit(evt)
	}()

	// 1. split and validate up front
	splitter := c.splitters.Resolve(task)
	parts, err := splitter.Split(task)
	if err != nil {
		return batch.Record{}, fmt.Errorf("split task %s: %w", task.ID, err)
	}
	if len(parts) == 0 {
		return batch.Record{}, fmt.Errorf("split task %s: %w", task.ID, batch.ErrNoSlices)
	}
	if _, err := c.handlers.Resolve(task.DataType, task.Operation); err != nil {
		return batch.Record{}, fmt.Errorf("task %s: %w", task.ID, err)
	}

	// 2. job queue sized to the slice count
	jobs := queue.NewBounded[batch.Slice](len(parts))
	total := 0
	for _, s := range parts {
		if err := jobs.Offer(s); err != nil {
			return batch.Record{}, fmt.Errorf("enqueue slice %d: %w", s.Seq, err)
		}
		total += s.Len()
	}
	// sealed: workers only drain it
	jobs.Close()

	// 3. worker count
	workers := min(c.cfg.MaxWorkers, len(parts))
	if total < 2 {
		logger.Warn("task too small to benefit from batching", zap.Int("items", total))
	}
	span.SetAttributes(attribute.Int("slices", len(parts)), attribute.Int("workers", workers))

	// 4. result queue sized to the item count
	results := queue.NewBounded[batch.ResultDetail](total)

	// 5. start tracking
	if err := tracker.SetTotal(int64(total)); err != nil {
		return batch.Record{}, fmt.Errorf("set total: %w", err)
	}
	if err := tracker.Start(); err != nil {
		return batch.Record{}, fmt.Errorf("start tracker: %w", err)
	}
	logger.Info("task started",
		zap.Int("items", total),
		zap.Int("slices", len(parts)),
		zap.Int("workers", workers))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// 6. background workers; the first rejection leaves the rest to the inline worker
	spawned := 0
	if c.executor != nil {
		for i := 0; i < workers-1; i++ {
			w := worker.New(c.handlers, c.emitter, c.clock, logger)
			submitErr := c.executor.Submit(func(context.Context) {
				if _, err := w.Run(runCtx, jobs, results); err != nil {
					cancel(fmt.Errorf("background worker: %w", err))
				}
			})
			if submitErr != nil {
				logger.Warn("executor rejected worker; continuing inline",
					zap.Int("spawned", spawned),
					zap.Int("requested", workers-1),
					zap.Error(submitErr))
				metrics.ObserveInlineFallback()
				break
			}
			spawned++
		}
	}

	// 7. inline worker
	inline := worker.New(c.handlers, c.emitter, c.clock, logger)
	if n, err := inline.Run(runCtx, jobs, results); err != nil {
		cancel(err)
		return batch.Record{}, fmt.Errorf("inline worker after %d slices: %w", n, err)
	}

	// 8. drain exactly total results
	details := make([]batch.ResultDetail, 0, total)
	for i := 0; i < total; i++ {
		d, err := results.Take(runCtx)
		if err != nil {
			if cause := context.Cause(runCtx); cause != nil {
				err = cause
			}
			return batch.Record{}, fmt.Errorf("drain result %d/%d: %w", i, total, err)
		}
		d.TaskID = task.ID
		d.Operation = task.Operation
		if err := account(tracker, d); err != nil {
			return batch.Record{}, fmt.Errorf("track result %d: %w", d.GlobalIndex, err)
		}
		details = append(details, d)
	}

	// 9. leftover slices mean a splitter or worker bug
	if left := jobs.Len(); left > 0 {
		logger.Error("job queue not empty after drain", zap.Int("slices", left))
		jobs.Clear()
	}

	// 10. strict finish
	if err := tracker.Finish(); err != nil {
		return batch.Record{}, fmt.Errorf("finish tracker: %w", err)
	}

	// 11. record and persistence
	slices.SortFunc(details, func(a, b batch.ResultDetail) int {
		return cmp.Compare(a.GlobalIndex, b.GlobalIndex)
	})
	success, fail := tracker.Counts()
	rec = batch.Record{
		TaskID:    task.ID,
		DataType:  task.DataType,
		Operation: task.Operation,
		Total:     int64(total),
		Success:   success,
		Fail:      fail,
		Creator:   task.Creator,
		CreatedAt: c.clock.Now(),
		Details:   details,
	}
	logger.Info("task finished",
		zap.Int64("success", success),
		zap.Int64("fail", fail),
		zap.Int("background_workers", spawned),
		zap.Duration("elapsed", c.clock.Now().Sub(start)))

	if task.Persist && c.records == nil && c.details == nil {
		logger.Warn("persistence requested but no record store is configured")
		tracker.Extend(ExtPersistSkipped, "no record store configured")
		return rec, nil
	}
	if task.Persist {
		if err := c.persist(ctx, rec); err != nil {
			tracker.Extend(ExtPersistError, err.Error())
			return rec, err
		}
	}
	return rec, nil
}

func (c *Coordinator) persist(ctx context.Context, rec batch.Record) error {
	if c.records != nil {
		if err := c.records.Insert(ctx, rec); err != nil {
			return &batch.StorageError{TaskID: rec.TaskID, Op: "insert record", Err: err}
		}
	}
	if c.details != nil && len(rec.Details) > 0 {
		if err := c.details.BatchInsert(ctx, rec.Details); err != nil {
			return &batch.StorageError{TaskID: rec.TaskID, Op: "insert details", Err: err}
		}
	}
	return nil
}

func (c *Coordinator) emit(evt progress.Event) {
	if c.emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = c.clock.Now()
	}
	c.emitter.Emit(evt)
}

// account applies one result to the tracker, marking slots on counters that
// only support idempotent slot updates.
func account(tracker *progress.Tracker, d batch.ResultDetail) error {
	var err error
	if d.Status.Succeeded() {
		err = tracker.AddSuccess(1)
	} else {
		err = tracker.AddFail(1)
	}
	if !errors.Is(err, progress.ErrUnsupportedCounter) {
		return err
	}
	if d.Status.Succeeded() {
		_, err = tracker.FinishPart(int64(d.GlobalIndex))
	} else {
		_, err = tracker.FailPart(int64(d.GlobalIndex))
	}
	return err
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
