// Package metrics exposes Prometheus collectors for the bulk operation service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksTotal                 *prometheus.CounterVec
	poolActiveWorkers          prometheus.Gauge
	poolQueueDepth             prometheus.Gauge
	poolRejectionsTotal        prometheus.Counter
	inlineFallbacksTotal       prometheus.Counter
	resultsReconciledTotal     *prometheus.CounterVec
	admissionRejectionsTotal   prometheus.Counter
	submitThrottledTotal       prometheus.Counter
	progressFlushesTotal       *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_runs_total",
				Help: "Total number of coordinator runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		poolActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkops_pool_active_workers",
				Help: "Number of pool goroutines currently running a worker loop.",
			},
		)

		poolQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulkops_pool_queue_depth",
				Help: "Number of submissions waiting for a pool goroutine.",
			},
		)

		poolRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkops_pool_rejections_total",
				Help: "Worker submissions rejected because the pool was saturated.",
			},
		)

		inlineFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkops_inline_fallbacks_total",
				Help: "Runs that continued on the coordinator goroutine after a rejection.",
			},
		)

		resultsReconciledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_results_reconciled_total",
				Help: "Handler results synthesized or dropped during reconciliation, labeled by kind.",
			},
			[]string{"kind"},
		)

		admissionRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkops_admission_rejections_total",
				Help: "Task submissions refused by the admission gate.",
			},
		)

		submitThrottledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bulkops_submit_throttled_total",
				Help: "Task submissions refused by the per-client rate limit.",
			},
		)

		progressFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulkops_progress_flushes_total",
				Help: "Progress snapshot writes to the backing store, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(outcome string) {
	Init()
	tasksTotal.WithLabelValues(outcome).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	poolActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	poolActiveWorkers.Dec()
}

// SetPoolQueueDepth records the number of pending pool submissions.
func SetPoolQueueDepth(n int) {
	Init()
	poolQueueDepth.Set(float64(n))
}

// ObservePoolRejection counts one rejected submission.
func ObservePoolRejection() {
	Init()
	poolRejectionsTotal.Inc()
}

// ObserveInlineFallback counts one run degraded to inline execution.
func ObserveInlineFallback() {
	Init()
	inlineFallbacksTotal.Inc()
}

// ObserveReconciled counts results fixed up by the worker.
func ObserveReconciled(kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	resultsReconciledTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveAdmissionRejection counts one refused submission.
func ObserveAdmissionRejection() {
	Init()
	admissionRejectionsTotal.Inc()
}

// ObserveSubmitThrottled counts one rate-limited submission.
func ObserveSubmitThrottled() {
	Init()
	submitThrottledTotal.Inc()
}

// ObserveProgressFlush counts one snapshot write.
func ObserveProgressFlush(ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "error"
	}
	progressFlushesTotal.WithLabelValues(result).Inc()
}
