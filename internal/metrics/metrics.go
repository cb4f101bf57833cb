// Package metrics exposes Prometheus collectors for the importer.
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
	upstreamAttemptsTotal       *prometheus.CounterVec
	upstreamRetriesTotal        *prometheus.CounterVec
	breakerTransitionsTotal     *prometheus.CounterVec
	rateLimitDelaySeconds       prometheus.Histogram
	unitsTotal                  *prometheus.CounterVec
	sectionWritesTotal          *prometheus.CounterVec
	mediaWritesTotal            *prometheus.CounterVec
	activeUnits                 prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	upstreamRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		upstreamAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_upstream_attempts_total",
				Help: "Outbound request attempts, labeled by host and status class.",
			},
			[]string{"host", "class"},
		)

		upstreamRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_upstream_retries_total",
				Help: "Outbound request retries, labeled by host.",
			},
			[]string{"host"},
		)

		upstreamRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "importer_upstream_request_duration_seconds",
				Help:    "Latency of single outbound attempts, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_breaker_transitions_total",
				Help: "Circuit breaker state transitions, labeled by target state.",
			},
			[]string{"state"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "importer_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the shared rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		unitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_units_total",
				Help: "Processed (entity, language) units, labeled by language and outcome.",
			},
			[]string{"lang", "outcome"},
		)

		sectionWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_section_writes_total",
				Help: "Localized section writes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		mediaWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_media_writes_total",
				Help: "Media asset writes, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "importer_active_units",
				Help: "Number of units currently in flight.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "importer_http_requests_total",
				Help: "Status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "importer_http_request_duration_seconds",
				Help:    "Status server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status for labeling. Zero means a transport error.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "transport_error"
	case status == http.StatusTooManyRequests:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveUpstreamAttempt records one outbound attempt.
func ObserveUpstreamAttempt(rawURL string, status int, duration time.Duration) {
	Init()
	host := SanitizeHost(rawURL)
	upstreamAttemptsTotal.WithLabelValues(host, StatusClass(status)).Inc()
	upstreamRequestDurationSecs.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveUpstreamRetry records a retry scheduled for rawURL.
func ObserveUpstreamRetry(rawURL string) {
	Init()
	upstreamRetriesTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveBreakerTransition records a breaker state change.
func ObserveBreakerTransition(state string) {
	Init()
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveUnit increments the unit counter.
func ObserveUnit(lang, outcome string) {
	Init()
	unitsTotal.WithLabelValues(lang, outcome).Inc()
}

// ObserveSectionWrite increments the section write counter.
func ObserveSectionWrite(outcome string) {
	Init()
	sectionWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveMediaWrite increments the media write counter.
func ObserveMediaWrite(outcome string) {
	Init()
	mediaWritesTotal.WithLabelValues(outcome).Inc()
}

// IncActiveUnits increments the in-flight unit gauge.
func IncActiveUnits() {
	Init()
	activeUnits.Inc()
}

// DecActiveUnits decrements the in-flight unit gauge.
func DecActiveUnits() {
	Init()
	activeUnits.Dec()
}

// ObserveHTTPRequest records a status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
