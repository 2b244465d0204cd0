package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Tez.Yok.gov.tr/UlusalTezMerkezi", "tez.yok.gov.tr"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if poolAcquireTotal == nil || cacheLookupsTotal == nil || fetchTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("memory", "hit"))
	ObserveCacheLookup("memory", "hit")
	if got := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("memory", "hit")); got != before+1 {
		t.Errorf("expected memory hit counter %v, got %v", before+1, got)
	}

	SetPoolContexts(2, 1)
	if got := testutil.ToFloat64(poolContexts.WithLabelValues("active")); got != 2 {
		t.Errorf("expected 2 active contexts, got %v", got)
	}
	if got := testutil.ToFloat64(poolContexts.WithLabelValues("available")); got != 1 {
		t.Errorf("expected 1 available context, got %v", got)
	}

	evBefore := testutil.ToFloat64(cacheEvictionsTotal.WithLabelValues("disk", "size"))
	ObserveCacheEviction("disk", "size", 3)
	ObserveCacheEviction("disk", "size", 0)
	if got := testutil.ToFloat64(cacheEvictionsTotal.WithLabelValues("disk", "size")); got != evBefore+3 {
		t.Errorf("expected evictions %v, got %v", evBefore+3, got)
	}

	ObserveFetch("https://Example.com/doc.pdf", "download", "ok", 10, time.Second)
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("example.com")); got < 10 {
		t.Errorf("expected fetched bytes recorded, got %v", got)
	}

	retryBefore := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("tez.yok.gov.tr"))
	ObserveFetchRetry("https://tez.yok.gov.tr/UlusalTezMerkezi/")
	if got := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("tez.yok.gov.tr")); got != retryBefore+1 {
		t.Errorf("expected retries %v, got %v", retryBefore+1, got)
	}

	ObserveRateLimitDelay("tez.yok.gov.tr", 200*time.Millisecond)
	if n := testutil.CollectAndCount(rateLimitDelaySeconds); n == 0 {
		t.Error("expected a rate limit delay series")
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://tez.yok.gov.tr", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
