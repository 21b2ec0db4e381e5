// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz, /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/queue for enqueueing and per-entry control (pause, resume, requeue).
//   - /v1/profiles for reading and tuning execution profiles.
//   - /v1/challenges for listing and resolving suspended entries.
//   - /v1/runs for per-run reports, CSV or JSON exports, and deleting finished runs.
//   - /v1/sessions for the per-domain session store.
//   - GET /v1/events for a server-sent event stream of queue progress.
package api
