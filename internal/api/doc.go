// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the tracker histogram and the last run summary.
//   - POST /v1/items to enqueue job ids.
package api
