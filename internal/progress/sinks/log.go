package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/progress"
)

// LogSink writes each event as a structured log line. Slice events are logged
// at debug level so large tasks do not flood production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
			zap.String("data_type", evt.DataType),
			zap.String("operation", evt.Operation),
			zap.Int64("success", evt.Success),
			zap.Int64("fail", evt.Fail),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageSliceDone:
			s.logger.Debug("slice done", append(fields, zap.Int("seq", evt.Seq))...)
		case progress.StageTaskError:
			s.logger.Warn("task failed", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("task event", append(fields, zap.Int64("total", evt.Total))...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
