// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to submit a bulk task (429 when the pool is saturated).
//   - GET/DELETE /v1/tasks/{task_id}/progress and GET /v1/progress for live progress.
//   - GET /v1/tasks/{task_id}/record for the persisted result.
//   - GET /v1/runs and /v1/runs/{task_id} for run history via RunHandler.
package api
