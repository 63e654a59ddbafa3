package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "summaries", map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "summaries", msgs[0].Topic)
	require.Equal(t, id2, msgs[1].ID)

	msgs[0].Topic = "modified"
	require.Equal(t, "summaries", pub.Messages()[0].Topic)

	require.Len(t, pub.ByTopic("audit"), 1)
	require.Empty(t, pub.ByTopic("missing"))
}

func TestPublisherFailNextAndReset(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	pub.FailNext(errors.New("unavailable"))
	_, err := pub.Publish(ctx, "summaries", 1)
	require.ErrorContains(t, err, "unavailable")
	require.Empty(t, pub.Messages())

	_, err = pub.Publish(ctx, "summaries", 2)
	require.NoError(t, err)
	pub.Reset()
	require.Empty(t, pub.Messages())

	id, err := pub.Publish(ctx, "summaries", 3)
	require.NoError(t, err)
	require.Equal(t, "memory-2", id)
}

func TestPublisherHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "summaries", nil)
	require.ErrorIs(t, err, context.Canceled)
}
