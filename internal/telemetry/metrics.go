package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/mitsimi/oxitrack"
)

// Metrics holds all the OpenTelemetry metric instruments. They record through
// the global meter provider, a no-op unless InitTelemetry ran; the always-on
// Prometheus counters are in internal/metrics.
type Metrics struct {
	// Heartbeat metrics
	HeartbeatsTotal       metric.Int64Counter
	HeartbeatErrorsTotal  metric.Int64Counter
	HeartbeatsRejected    metric.Int64Counter
	HeartbeatDuration     metric.Float64Histogram
	ReportedSessionLength metric.Int64Histogram

	// Session lifecycle metrics
	SessionsStartedTotal   metric.Int64Counter
	SessionsContinuedTotal metric.Int64Counter
	SessionsClosedTotal    metric.Int64Counter

	// Reaper metrics
	ReaperSweepsTotal      metric.Int64Counter
	ReaperSessionsClosed   metric.Int64Counter
	ReaperSweepErrorsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Heartbeat metrics
	m.HeartbeatsTotal, _ = meter.Int64Counter(
		"oxitrack.heartbeats.total",
		metric.WithDescription("Total number of heartbeats recorded"),
		metric.WithUnit("{heartbeat}"),
	)

	m.HeartbeatErrorsTotal, _ = meter.Int64Counter(
		"oxitrack.heartbeats.errors.total",
		metric.WithDescription("Total number of heartbeats that failed in the session store"),
		metric.WithUnit("{error}"),
	)

	m.HeartbeatsRejected, _ = meter.Int64Counter(
		"oxitrack.heartbeats.rejected.total",
		metric.WithDescription("Total number of heartbeats rejected by validation"),
		metric.WithUnit("{heartbeat}"),
	)

	m.HeartbeatDuration, _ = meter.Float64Histogram(
		"oxitrack.heartbeats.duration",
		metric.WithDescription("Duration of heartbeat processing including the store transaction"),
		metric.WithUnit("ms"),
	)

	m.ReportedSessionLength, _ = meter.Int64Histogram(
		"oxitrack.sessions.length",
		metric.WithDescription("Session length reported back to clients"),
		metric.WithUnit("s"),
	)

	// Session lifecycle metrics
	m.SessionsStartedTotal, _ = meter.Int64Counter(
		"oxitrack.sessions.started.total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)

	m.SessionsContinuedTotal, _ = meter.Int64Counter(
		"oxitrack.sessions.continued.total",
		metric.WithDescription("Total number of heartbeats that extended an open session"),
		metric.WithUnit("{heartbeat}"),
	)

	m.SessionsClosedTotal, _ = meter.Int64Counter(
		"oxitrack.sessions.closed.total",
		metric.WithDescription("Total number of sessions closed when a new session started"),
		metric.WithUnit("{session}"),
	)

	// Reaper metrics
	m.ReaperSweepsTotal, _ = meter.Int64Counter(
		"oxitrack.reaper.sweeps.total",
		metric.WithDescription("Total number of stale session sweeps"),
		metric.WithUnit("{sweep}"),
	)

	m.ReaperSessionsClosed, _ = meter.Int64Counter(
		"oxitrack.reaper.closed.total",
		metric.WithDescription("Total number of stale sessions closed by the reaper"),
		metric.WithUnit("{session}"),
	)

	m.ReaperSweepErrorsTotal, _ = meter.Int64Counter(
		"oxitrack.reaper.errors.total",
		metric.WithDescription("Total number of failed stale session sweeps"),
		metric.WithUnit("{error}"),
	)

	return m
}
