package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulkops/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TaskID: "t1", TS: now, Stage: progress.StageTaskStart, DataType: "user", Operation: "import"},
		{
			TaskID:    "t1",
			TS:        now.Add(time.Second),
			Stage:     progress.StageSliceDone,
			DataType:  "user",
			Operation: "import",
			Success:   7,
			Fail:      3,
			Dur:       200 * time.Millisecond,
		},
		{TaskID: "t1", TS: now.Add(2 * time.Second), Stage: progress.StageTaskDone, Dur: 2 * time.Second},
		{TaskID: "t2", TS: now, Stage: progress.StageTaskStart},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.tasksStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksCompleted.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))
	require.InDelta(t, 7.0, testutil.ToFloat64(sink.itemsProcessed.WithLabelValues("user", "import", "success")), 1e-9)
	require.InDelta(t, 3.0, testutil.ToFloat64(sink.itemsProcessed.WithLabelValues("user", "import", "failed")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.sliceDuration, "bulkops_slice_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
