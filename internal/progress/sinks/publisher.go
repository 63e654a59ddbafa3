package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/progress"
)

// Summary is the payload published when a task reaches a terminal state.
type Summary struct {
	TaskID     string    `json:"task_id"`
	DataType   string    `json:"data_type"`
	Operation  string    `json:"operation"`
	Result     string    `json:"result"`
	Total      int64     `json:"total"`
	Success    int64     `json:"success"`
	Fail       int64     `json:"fail"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublisherSink publishes one Summary per finished task.
type PublisherSink struct {
	publisher batch.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink publishes summaries to topic through publisher.
func NewPublisherSink(publisher batch.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events. Non-terminal events are skipped.
func (s *PublisherSink) Consume(ctx context.Context, events []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range events {
		if !evt.Terminal() {
			continue
		}
		summary := Summary{
			TaskID:     evt.TaskID,
			DataType:   evt.DataType,
			Operation:  evt.Operation,
			Result:     "success",
			Total:      evt.Total,
			Success:    evt.Success,
			Fail:       evt.Fail,
			DurationMs: evt.Dur.Milliseconds(),
			FinishedAt: evt.TS,
		}
		if evt.Stage == progress.StageTaskError {
			summary.Result = "error"
			summary.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, summary)
		if err != nil {
			return fmt.Errorf("publish summary for %s: %w", evt.TaskID, err)
		}
		s.logger.Debug("summary published", zap.String("task_id", evt.TaskID), zap.String("message_id", id))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
