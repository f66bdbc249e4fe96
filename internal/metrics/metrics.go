// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchOutcomesTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	robotsDecisionsTotal       *prometheus.CounterVec
	sourceRunsTotal            *prometheus.CounterVec
	contestsSavedTotal         *prometheus.CounterVec
	reviewTicketsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_outcomes_total",
				Help: "Total number of fetch outcomes, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "discovery_rate_limit_delay_seconds",
				Help:    "Histogram of politeness limiter waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_robots_decisions_total",
				Help: "Total robots.txt decisions, labeled by decision.",
			},
			[]string{"decision"},
		)

		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_source_runs_total",
				Help: "Total number of source runs, labeled by source and final state.",
			},
			[]string{"source", "state"},
		)

		contestsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_contests_saved_total",
				Help: "Total number of new or changed contests, labeled by source.",
			},
			[]string{"source"},
		)

		reviewTicketsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_review_tickets_total",
				Help: "Total number of manual review tickets opened, labeled by source.",
			},
			[]string{"source"},
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
	return promhttp.Handler()
}

// ObserveFetch records the final outcome of one fetch against a host.
func ObserveFetch(host, outcome string, bytesFetched int64) {
	Init()
	site := SanitizeSite(host)
	fetchOutcomesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchDuration records how long a strategy took to return.
func ObserveFetchDuration(strategy string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveRobots counts an allow/deny/fail_open decision.
func ObserveRobots(decision string) {
	Init()
	robotsDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveSourceRun counts a finished source run by state.
func ObserveSourceRun(source, state string) {
	Init()
	sourceRunsTotal.WithLabelValues(source, state).Inc()
}

// ObserveContestsSaved adds n new or changed contests for source.
func ObserveContestsSaved(source string, n int) {
	Init()
	if n > 0 {
		contestsSavedTotal.WithLabelValues(source).Add(float64(n))
	}
}

// ObserveReviewTicket counts a newly opened review ticket.
func ObserveReviewTicket(source string) {
	Init()
	reviewTicketsTotal.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
