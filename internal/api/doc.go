// Package api hosts the status HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for liveness checks; readiness queries the target store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets/summary for counts by partition and status.
//   - GET /v1/targets/{id} for one target and its page log.
//   - POST /v1/targets/replan to requeue FAILED or PARKED targets.
//   - GET /v1/workers for worker heartbeats and the partition plan.
//   - GET /v1/proxies for proxy health.
package api
