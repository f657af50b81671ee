// Package metrics exposes process-wide Prometheus collectors for workers and
// the HTTP API. Run and unit lifecycle counters live in the progress sinks.
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
	harvestListingsDroppedTotal  *prometheus.CounterVec
	harvestFetchDurationSeconds  *prometheus.HistogramVec
	harvestActiveWorkers         prometheus.Gauge
	harvestRateLimitDelaySeconds prometheus.Histogram
	harvestPublishTotal          *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestListingsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_listings_dropped_total",
				Help: "Fetched listings dropped before commit, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvestFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_fetch_duration_seconds",
				Help:    "Provider fetch latency per unit, labeled by outcome.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		harvestRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delay_seconds",
				Help:    "Time spent waiting for the request-rate limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		harvestPublishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_publish_total",
				Help: "Unit commit notifications, labeled by outcome.",
			},
			[]string{"outcome"},
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

// ObserveDropped adds listings dropped for reason.
func ObserveDropped(reason string, n int) {
	Init()
	if n > 0 {
		harvestListingsDroppedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveFetch records one fetch latency.
func ObserveFetch(outcome string, d time.Duration) {
	Init()
	harvestFetchDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	harvestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	harvestRateLimitDelaySeconds.Observe(d.Seconds())
}

// ObservePublish counts a notification attempt.
func ObservePublish(outcome string) {
	Init()
	harvestPublishTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
