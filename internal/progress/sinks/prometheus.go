package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bulkops/internal/progress"
)

// PrometheusSink exports task progress metrics via Prometheus. It owns the
// collectors for tasks started/completed/running and per-data-type item counts.
type PrometheusSink struct {
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec

	itemsProcessed *prometheus.CounterVec
	sliceDuration  *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkops_tasks_started_total",
			Help: "Total bulk tasks that have started.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkops_tasks_completed_total",
			Help: "Total bulk tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkops_tasks_running",
			Help: "Current number of running bulk tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulkops_task_runtime_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		}, []string{"result"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkops_items_processed_total",
			Help: "Items processed partitioned by data type, operation, and result.",
		}, []string{"data_type", "operation", "result"}),
		sliceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulkops_slice_duration_seconds",
			Help:    "Slice handling duration partitioned by data type.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"data_type"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.itemsProcessed,
		s.sliceDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageTaskStart:
			s.tasksStarted.Inc()
			if s.tracker.start(evt.TaskID) {
				s.tasksRunning.Inc()
			}
		case progress.StageTaskDone:
			s.complete(evt, "success")
		case progress.StageTaskError:
			s.complete(evt, "error")
		case progress.StageSliceDone:
			s.handleSlice(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) complete(evt progress.Event, result string) {
	s.tasksCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

func (s *PrometheusSink) handleSlice(evt progress.Event) {
	dataType := labelOrUnknown(evt.DataType)
	operation := labelOrUnknown(evt.Operation)
	if evt.Success > 0 {
		s.itemsProcessed.WithLabelValues(dataType, operation, "success").Add(float64(evt.Success))
	}
	if evt.Fail > 0 {
		s.itemsProcessed.WithLabelValues(dataType, operation, "failed").Add(float64(evt.Fail))
	}
	if evt.Dur > 0 {
		s.sliceDuration.WithLabelValues(dataType).Observe(evt.Dur.Seconds())
	}
}

func labelOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
