// Package worker implements the slice processing loop.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/metrics"
	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/queue"
)

// Reconciliation kinds reported to metrics and logs.
const (
	kindMissing    = "missing"
	kindDuplicate  = "duplicate"
	kindOutOfRange = "out_of_range"
)

// Worker drains a job queue of slices, runs the matching handler for each,
// and pushes exactly one result per input item onto the result queue.
type Worker struct {
	handlers *batch.HandlerRegistry
	emitter  progress.Emitter
	clock    batch.Clock
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs a Worker. A nil emitter disables slice events.
func New(handlers *batch.HandlerRegistry, emitter progress.Emitter, clock batch.Clock, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = utcClock{}
	}
	return &Worker{
		handlers: handlers,
		emitter:  emitter,
		clock:    clock,
		tracer:   otel.Tracer("github.com/JakeFAU/bulkops/internal/worker"),
		logger:   logger,
	}
}

// Run polls slices until the job queue is empty and returns how many it
// processed. A slice with no registered handler aborts the loop with an
// ErrUnsupported error; handler failures never do.
func (w *Worker) Run(
	ctx context.Context,
	jobs *queue.Bounded[batch.Slice],
	results *queue.Bounded[batch.ResultDetail],
) (int, error) {
	processed := 0
	for {
		slice, ok := jobs.Poll()
		if !ok {
			return processed, nil
		}
		handler, err := w.handlers.Resolve(slice.DataType, slice.Operation)
		if err != nil {
			w.logger.Error("no handler for slice",
				zap.String("task_id", slice.TaskID),
				zap.Int("seq", slice.Seq),
				zap.Error(err))
			return processed, err
		}
		details := w.process(ctx, handler, slice)
		for _, d := range details {
			if err := results.Put(ctx, d); err != nil {
				return processed, fmt.Errorf("put result %d of slice %d: %w", d.GlobalIndex, slice.Seq, err)
			}
		}
		processed++
	}
}

func (w *Worker) process(ctx context.Context, handler batch.SliceHandler, slice batch.Slice) []batch.ResultDetail {
	ctx, span := w.tracer.Start(ctx, "worker.slice", trace.WithAttributes(
		attribute.String("task_id", slice.TaskID),
		attribute.Int("seq", slice.Seq),
		attribute.Int("items", slice.Len()),
	))
	defer span.End()

	start := w.clock.Now()
	raw, err := w.invoke(ctx, handler, slice)
	reason := "no result reported by handler"
	if err != nil {
		span.RecordError(err)
		w.logger.Error("slice handler failed",
			zap.String("task_id", slice.TaskID),
			zap.Int("seq", slice.Seq),
			zap.Int("returned", len(raw)),
			zap.Error(err))
		reason = err.Error()
	}
	details := w.reconcile(slice, raw, reason)

	var success, fail int64
	for _, d := range details {
		if d.Status.Succeeded() {
			success++
		} else {
			fail++
		}
	}
	if w.emitter != nil {
		w.emitter.Emit(progress.Event{
			TaskID:    slice.TaskID,
			TS:        w.clock.Now(),
			Stage:     progress.StageSliceDone,
			DataType:  slice.DataType,
			Operation: slice.Operation,
			Seq:       slice.Seq,
			Success:   success,
			Fail:      fail,
			Dur:       w.clock.Now().Sub(start),
		})
	}
	return details
}

// invoke runs the handler, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, handler batch.SliceHandler, slice batch.Slice) (out []batch.ResultDetail, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("slice handler panicked",
				zap.String("task_id", slice.TaskID),
				zap.Int("seq", slice.Seq),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, slice)
}

// reconcile returns exactly one detail per slice item, ordered by index.
// Duplicate and out-of-range indexes are dropped; gaps become unknown results.
func (w *Worker) reconcile(slice batch.Slice, raw []batch.ResultDetail, reason string) []batch.ResultDetail {
	n := slice.Len()
	byIndex := make([]*batch.ResultDetail, n)
	var duplicates, outOfRange, missing int
	for i := range raw {
		d := raw[i]
		switch {
		case d.Index < 0 || d.Index >= n:
			outOfRange++
			continue
		case byIndex[d.Index] != nil:
			duplicates++
			continue
		}
		byIndex[d.Index] = &d
	}

	out := make([]batch.ResultDetail, n)
	for i := 0; i < n; i++ {
		d := byIndex[i]
		if d == nil {
			missing++
			u := batch.Unknown(i, reason, slice.Items[i])
			d = &u
		}
		switch d.Status {
		case batch.StatusSuccess, batch.StatusFailed, batch.StatusUnknown:
		default:
			d.Status = batch.StatusUnknown
		}
		if d.Snapshot == nil {
			d.Snapshot = slice.Items[i]
		}
		d.GlobalIndex = slice.Offset + i
		d.TaskID = slice.TaskID
		d.Operation = slice.Operation
		out[i] = *d
	}

	if duplicates+outOfRange+missing > 0 {
		w.logger.Warn("handler results reconciled",
			zap.String("task_id", slice.TaskID),
			zap.Int("seq", slice.Seq),
			zap.Int("items", n),
			zap.Int("returned", len(raw)),
			zap.Int(kindMissing, missing),
			zap.Int(kindDuplicate, duplicates),
			zap.Int(kindOutOfRange, outOfRange))
		metrics.ObserveReconciled(kindMissing, missing)
		metrics.ObserveReconciled(kindDuplicate, duplicates)
		metrics.ObserveReconciled(kindOutOfRange, outOfRange)
	}
	return out
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
