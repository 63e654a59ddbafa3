package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulkops/internal/progress"
	"github.com/JakeFAU/bulkops/internal/publisher/memory"
)

// TestPublisherSinkPublishesTerminalEvents sends one summary per finished task.
func TestPublisherSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "bulk-summaries", zap.NewNop())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", Stage: progress.StageTaskStart, TS: now},
		{TaskID: "t1", Stage: progress.StageSliceDone, TS: now},
		{TaskID: "t1", Stage: progress.StageTaskDone, TS: now, Total: 3, Success: 3, Dur: 1500 * time.Millisecond},
		{TaskID: "t2", Stage: progress.StageTaskError, TS: now, Note: "no handler"},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "bulk-summaries", msgs[0].Topic)
	first, ok := msgs[0].Payload.(Summary)
	require.True(t, ok)
	require.Equal(t, "success", first.Result)
	require.Equal(t, int64(1500), first.DurationMs)
	second := msgs[1].Payload.(Summary)
	require.Equal(t, "error", second.Result)
	require.Equal(t, "no handler", second.Error)
}

// TestPublisherSinkReturnsPublishErrors wraps failures with the task id.
func TestPublisherSinkReturnsPublishErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "topic", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t9", Stage: progress.StageTaskDone, TS: time.Now()},
	})
	require.ErrorContains(t, err, "t9")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}
