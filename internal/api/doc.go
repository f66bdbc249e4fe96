// Package api hosts the admin HTTP surface. Notable routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/alerts and /v1/counters for domain telemetry.
//   - GET /v1/reviews and POST /v1/reviews/{id}/resolve for the manual review queue.
//   - POST /v1/runs[/{slug}] to trigger discovery, GET /v1/triggers/{id} to follow it.
//   - GET /v1/sources, /v1/contests and /v1/contests/events for discovery state.
package api
