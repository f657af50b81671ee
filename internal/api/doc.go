// Package api hosts the HTTP server, middleware, and REST handlers for
// operators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/runs for starting, resuming, cancelling, inspecting, exporting and
//     purging harvest runs.
//   - GET /v1/runs/{run_id}/live for the Redis-backed live view.
package api
