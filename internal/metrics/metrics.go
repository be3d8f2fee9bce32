// Package metrics exposes Prometheus metrics for scraping on /metrics.
//
// These are always registered, unlike the OpenTelemetry instruments in
// internal/telemetry which only export when tracing is enabled. Heartbeat
// outcomes are counted here once per request at the HTTP edge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxitrack_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oxitrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"route"},
	)

	// Heartbeat metrics
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxitrack_heartbeats_total",
			Help: "Total heartbeats received, by outcome (started, continued, rejected, failed)",
		},
		[]string{"outcome"},
	)

	// Store metrics
	StoreUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oxitrack_store_up",
			Help: "Whether the last session store health check succeeded (1) or failed (0)",
		},
	)

	StaleSessionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oxitrack_stale_sessions_closed_total",
			Help: "Total sessions closed by the stale session reaper",
		},
	)
)

// Heartbeat outcomes
const (
	OutcomeStarted   = "started"
	OutcomeContinued = "continued"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		HeartbeatsTotal,
		StoreUp,
		StaleSessionsClosed,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count and latency for route.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		RequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
