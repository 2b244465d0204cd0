// Package main hosts the document service entrypoint.
//
// Architecture overview:
//   - Browser pool: internal/browser.Pool lazily launches one automation engine (chromedp by default, Playwright
//     when browser.engine=playwright) and lends pages from a bounded set of reusable execution contexts. Warmup runs
//     in the background at startup so the first request does not pay the full launch cost.
//   - Cache: internal/cache.Tiered keeps recent documents in a size-bounded LRU and writes them through to a
//     persistent disk tier under ~/.cache/yoktez-mcp, which survives restarts and expires entries after a TTL.
//   - Fetch pipeline: internal/fetcher.Service serves documents cache-first, collapses concurrent misses for the same
//     URL, rate limits remote traffic, and falls back to the pool (render/print) or a Colly download.
//   - Configuration & plumbing: Viper populates config from env (YOKTEZ_*) and files; zap provides structured
//     logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM drains the HTTP server, then closes the pool, destroying idle contexts and the engine.
//     Leased contexts are destroyed as their requests finish.
//   - A disk cache directory that cannot be created or written disables the disk tier; the service keeps serving
//     from memory.
//
// Quick checklist:
//   - Configure env vars: YOKTEZ_SERVER_PORT, YOKTEZ_BROWSER_MAX_CONTEXTS, YOKTEZ_BROWSER_ENGINE,
//     YOKTEZ_CACHE_DISK_DIR, YOKTEZ_FETCH_RATE_LIMIT_QPS.
//   - Run locally: go run ./cmd/yoktezd -config config.yaml (or rely solely on env overrides).
package main
