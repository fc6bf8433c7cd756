// Package metrics exposes Prometheus collectors for the snapshot service.
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
	cacheRequestsTotal            *prometheus.CounterVec
	scrapeAttemptsTotal           *prometheus.CounterVec
	scrapeCreditsTotal            *prometheus.CounterVec
	scrapeEscalationsTotal        *prometheus.CounterVec
	scrapeFallbacksTotal          prometheus.Counter
	dualFetchTotal                *prometheus.CounterVec
	retentionEvictionsTotal       *prometheus.CounterVec
	providerRateLimitDelaySeconds prometheus.Histogram
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_cache_requests_total",
				Help: "Total number of page requests, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraping_attempts_total",
				Help: "Total number of scraping provider calls, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		scrapeCreditsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraping_credits_total",
				Help: "Total provider credits spent, labeled by tier.",
			},
			[]string{"tier"},
		)

		scrapeEscalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraping_escalations_total",
				Help: "Total number of proxy tier escalations, labeled by source and target tier.",
			},
			[]string{"from", "to"},
		)

		scrapeFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraping_fallbacks_total",
				Help: "Total number of plain fetches made because the provider is not configured.",
			},
		)

		dualFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dual_fetch_total",
				Help: "Total number of dual-device fetches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		retentionEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retention_evictions_total",
				Help: "Total number of snapshot evictions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		providerRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraping_rate_limit_delay_seconds",
				Help:    "Histogram of client-side rate limit wait durations before provider calls.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
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

// ObserveCacheRequest counts a page request by result.
func ObserveCacheRequest(result string) {
	Init()
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveScrapeAttempt counts one provider call and the credits it consumed.
func ObserveScrapeAttempt(tier string, outcome string, credits int) {
	Init()
	scrapeAttemptsTotal.WithLabelValues(tier, outcome).Inc()
	if credits > 0 {
		scrapeCreditsTotal.WithLabelValues(tier).Add(float64(credits))
	}
}

// ObserveEscalation counts a move from one proxy tier to the next.
func ObserveEscalation(from, to string) {
	Init()
	scrapeEscalationsTotal.WithLabelValues(from, to).Inc()
}

// ObserveFallback counts a plain fetch used in place of the provider.
func ObserveFallback() {
	Init()
	scrapeFallbacksTotal.Inc()
}

// ObserveDualFetch counts a dual-device fetch by outcome.
func ObserveDualFetch(outcome string) {
	Init()
	dualFetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveEviction counts snapshot evictions by outcome.
func ObserveEviction(outcome string, n int) {
	Init()
	if n > 0 {
		retentionEvictionsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	providerRateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
