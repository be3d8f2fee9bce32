package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mitsimi/oxitrack"

// Config controls the OTLP exporters.
type Config struct {
	ServiceName string
	Version     string

	// SampleRatio is the fraction of root spans sampled, between 0 and 1.
	// Child spans follow their parent's decision.
	SampleRatio float64

	// MetricInterval is how often metrics are pushed.
	// Default: 10s
	MetricInterval time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service name is required")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %v", c.SampleRatio)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.MetricInterval == 0 {
		c.MetricInterval = 10 * time.Second
	}
}

// Tracer returns the tracer used for oxitrack spans. Until InitTelemetry
// runs it is backed by the no-op global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTelemetry initializes OpenTelemetry with OTLP exporters for metrics and traces.
// Exporter settings are read from the standard environment variables:
// - OTEL_EXPORTER_OTLP_ENDPOINT: The OTLP endpoint (e.g., https://api.honeycomb.io)
// - OTEL_EXPORTER_OTLP_HEADERS: Headers for authentication (e.g., x-honeycomb-team=API_KEY)
// - OTEL_SERVICE_NAME: Service name override (defaults to cfg.ServiceName)
//
// Returns a shutdown function that should be called on graceful shutdown.
func InitTelemetry(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
		resource.WithFromEnv(), // Read from OTEL_RESOURCE_ATTRIBUTES env var
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithOSType(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceShutdown, err := initTraceProvider(ctx, res, cfg.SampleRatio)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize trace provider, continuing without tracing")
		traceShutdown = func(ctx context.Context) error { return nil }
	}

	metricShutdown, err := initMeterProvider(ctx, res, cfg.MetricInterval)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
		metricShutdown = func(ctx context.Context) error { return nil }
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Float64("sample_ratio", cfg.SampleRatio).
		Msg("OpenTelemetry initialized")

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			wrapShutdown("trace", traceShutdown(ctx)),
			wrapShutdown("metric", metricShutdown(ctx)),
		)
	}

	return shutdown, nil
}

func wrapShutdown(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", name, err)
}

// initTraceProvider initializes the trace provider with OTLP exporter
func initTraceProvider(ctx context.Context, res *resource.Resource, ratio float64) (func(context.Context) error, error) {
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// initMeterProvider initializes the meter provider with OTLP exporter
func initMeterProvider(ctx context.Context, res *resource.Resource, interval time.Duration) (func(context.Context) error, error) {
	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval)),
		),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
