// Package api hosts the HTTP server, middleware, and REST handlers for operator
// and client access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for pool and cache statistics.
//   - POST /v1/cache/clear and /v1/pool/warmup for operator actions.
//   - GET /v1/documents?url=...&mode=render|print|download for cache-through
//     document retrieval.
package api
