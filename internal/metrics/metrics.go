// Package metrics exposes Prometheus collectors for the browser pool, the
// tiered cache and the fetch service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolAcquireTotal           *prometheus.CounterVec
	poolAcquireWaitSeconds     *prometheus.HistogramVec
	poolContexts               *prometheus.GaugeVec
	engineLaunchesTotal        *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	cacheEvictionsTotal        *prometheus.CounterVec
	cacheSizeBytes             *prometheus.GaugeVec
	cacheItems                 *prometheus.GaugeVec
	cacheWriteFailuresTotal    *prometheus.CounterVec
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchRetriesTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		poolAcquireTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_pool_acquire_total",
				Help: "Context acquisitions, labeled by outcome (reused, created, waited, exhausted, error).",
			},
			[]string{"outcome"},
		)

		poolAcquireWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a context, labeled by outcome.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"outcome"},
		)

		poolContexts = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "browser_pool_contexts",
				Help: "Execution contexts by state (active counts leased plus pooled).",
			},
			[]string{"state"},
		)

		engineLaunchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "browser_engine_launches_total",
				Help: "Browser engine launch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)

		cacheEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_evictions_total",
				Help: "Entries evicted, labeled by tier and reason.",
			},
			[]string{"tier", "reason"},
		)

		cacheSizeBytes = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_size_bytes",
				Help: "Bytes held by each cache tier.",
			},
			[]string{"tier"},
		)

		cacheItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_items",
				Help: "Entries held by each cache tier.",
			},
			[]string{"tier"},
		)

		cacheWriteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_write_failures_total",
				Help: "Failed cache persistence writes, labeled by tier.",
			},
			[]string{"tier"},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_total",
				Help: "Document fetches, labeled by site, mode and status.",
			},
			[]string{"site", "mode", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_bytes_total",
				Help: "Bytes fetched from the remote source, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Remote fetch latency, labeled by mode.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_transport_retries_total",
				Help: "Transient transport failures retried, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-site rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePoolAcquire records one acquisition attempt and its wait time.
func ObservePoolAcquire(outcome string, wait time.Duration) {
	Init()
	poolAcquireTotal.WithLabelValues(outcome).Inc()
	poolAcquireWaitSeconds.WithLabelValues(outcome).Observe(wait.Seconds())
}

// SetPoolContexts publishes pool occupancy.
func SetPoolContexts(active, available int) {
	Init()
	poolContexts.WithLabelValues("active").Set(float64(active))
	poolContexts.WithLabelValues("available").Set(float64(available))
}

// ObserveEngineLaunch counts an engine launch attempt.
func ObserveEngineLaunch(result string) {
	Init()
	engineLaunchesTotal.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts a lookup against a tier ("memory" or "disk").
func ObserveCacheLookup(tier, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveCacheEviction counts evicted entries.
func ObserveCacheEviction(tier, reason string, n int) {
	if n <= 0 {
		return
	}
	Init()
	cacheEvictionsTotal.WithLabelValues(tier, reason).Add(float64(n))
}

// SetCacheSize publishes the current size of a tier.
func SetCacheSize(tier string, bytes int64, items int) {
	Init()
	cacheSizeBytes.WithLabelValues(tier).Set(float64(bytes))
	cacheItems.WithLabelValues(tier).Set(float64(items))
}

// ObserveCacheWriteFailure counts a persistence failure that was swallowed.
func ObserveCacheWriteFailure(tier string) {
	Init()
	cacheWriteFailuresTotal.WithLabelValues(tier).Inc()
}

// ObserveFetch records a remote fetch.
func ObserveFetch(site, mode, status string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchTotal.WithLabelValues(sanitizedSite, mode, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveFetchRetry counts a retried transient transport failure.
func ObserveFetchRetry(site string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records a wait imposed by the rate limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
