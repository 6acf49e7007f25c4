// Package metrics exposes Prometheus collectors for the retriever.
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
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         *prometheus.CounterVec
	downloadAttemptsTotal      *prometheus.CounterVec
	indexPagesTotal            *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_downloads_total",
				Help: "Total number of settled download tasks, labeled by site and terminal status.",
			},
			[]string{"site", "status"},
		)

		downloadBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_download_bytes_total",
				Help: "Total number of bytes written for completed tasks, labeled by site.",
			},
			[]string{"site"},
		)

		downloadAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_download_attempts_total",
				Help: "Total number of download attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		indexPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_index_pages_total",
				Help: "Total number of CDX index pages requested, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wayback_cache_lookups_total",
				Help: "Total number of index page cache lookups, labeled by backend and result.",
			},
			[]string{"backend", "result"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "wayback_active_workers",
				Help: "Number of workers currently processing a download task.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wayback_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
	return promhttp.Handler()
}

// ObserveDownload records a settled task.
func ObserveDownload(site, status string, bytesWritten int64) {
	Init()
	sanitizedSite := SanitizeSite(site)
	downloadsTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesWritten))
	}
}

// ObserveAttempt records the outcome of one download attempt.
func ObserveAttempt(outcome string) {
	Init()
	downloadAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIndexPage records one CDX page request.
func ObserveIndexPage(outcome string) {
	Init()
	indexPagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(backend string, hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(backend, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
