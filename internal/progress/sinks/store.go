package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/store"
)

// StoreSink records task runs via a store.RunRepository. Slice events are
// ignored; only task boundaries are persisted.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards task boundaries to the repository in batch order. It
// respects ctx deadlines and stops at the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			run := store.TaskRun{
				TaskID:    evt.TaskID,
				DataType:  evt.DataType,
				Operation: evt.Operation,
				StartedAt: evt.TS,
				Status:    store.RunRunning,
				Total:     evt.Total,
			}
			if err := s.repo.UpsertRunStart(ctx, run); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageTaskDone, progress.StageTaskError:
			if err := s.repo.CompleteRun(ctx, evt.TaskID, completionOf(evt)); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
			s.logger.Debug("run recorded", zap.String("task_id", evt.TaskID), zap.String("stage", string(evt.Stage)))
		}
	}
	return nil
}

func completionOf(evt progress.Event) store.RunCompletion {
	done := store.RunCompletion{
		FinishedAt: evt.TS,
		Status:     store.RunSuccess,
		Total:      evt.Total,
		Success:    evt.Success,
		Fail:       evt.Fail,
	}
	if evt.Stage == progress.StageTaskError {
		done.Status = store.RunError
		if evt.Note != "" {
			note := evt.Note
			done.ErrMsg = &note
		}
	}
	return done
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
