// Package metrics exposes Prometheus collectors for the archiver.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	observationsWrittenTotal   *prometheus.CounterVec
	missingPoints              *prometheus.GaugeVec
	sessionTransitionsTotal    *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_fetch_total",
				Help: "Total number of provider fetches, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fx_fetch_duration_seconds",
				Help:    "Histogram of single-observation fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		)

		observationsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_observations_written_total",
				Help: "Total number of observations persisted, labeled by source currency.",
			},
			[]string{"source"},
		)

		missingPoints = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fx_missing_points",
				Help: "Missing observations found by the last gap analysis, labeled by provider.",
			},
			[]string{"provider"},
		)

		sessionTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_session_transitions_total",
				Help: "Stateful session state machine transitions.",
			},
			[]string{"from", "to", "event"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fx_batches_total",
				Help: "Provider batches executed, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fx_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch outcome and its latency.
func ObserveFetch(provider, outcome string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(provider, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// ObserveObservationsWritten counts persisted observations.
func ObserveObservationsWritten(source string, n int) {
	Init()
	if n > 0 {
		observationsWrittenTotal.WithLabelValues(source).Add(float64(n))
	}
}

// SetMissingPoints records the size of a provider's work queue.
func SetMissingPoints(provider string, n int) {
	Init()
	missingPoints.WithLabelValues(provider).Set(float64(n))
}

// ObserveSessionTransition counts a state machine transition.
func ObserveSessionTransition(from, to, event string) {
	Init()
	sessionTransitionsTotal.WithLabelValues(from, to, event).Inc()
}

// ObserveBatch counts a finished provider batch.
func ObserveBatch(provider, status string) {
	Init()
	batchesTotal.WithLabelValues(provider, status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(provider string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
