// Package sinks implements concrete operation-log consumers: structured
// logging, Prometheus metrics, the run repository, and Pub/Sub summaries.
// Each sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
