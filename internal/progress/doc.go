// Package progress tracks live task progress and carries the operation log.
//
// A Tracker follows one task through WAITING, RUNNING and a terminal state,
// counting outcomes with a pluggable Counter (atomic, plain, or bitset) and
// estimating completion and time left. The Hub batches lifecycle events on a
// background goroutine and fans them out to pluggable sinks such as
// Prometheus metrics, a run repository, or a Pub/Sub topic.
package progress
