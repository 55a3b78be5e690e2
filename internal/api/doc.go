// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access to the coordinator. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the distribution snapshot.
//   - GET /v1/accounts for the account standing table.
//   - POST /v1/workers/{worker_id}/restart to recycle a worker's browser.
package api
