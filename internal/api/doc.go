// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes. Readiness
//     turns green once a sources snapshot has been loaded.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources for a summary of the snapshot in force.
//   - GET /v1/status for the orchestrator state and its last iteration.
package api
