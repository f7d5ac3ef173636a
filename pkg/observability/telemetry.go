// Package observability provides OpenTelemetry tracing and metrics for the
// kernel, with pluggable exporters.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter used by the kernel.
const InstrumentationName = "github.com/plaenen/atelier"

// Config configures Init. A nil TraceExporter or MetricReader disables that
// signal; the corresponding providers are no-ops.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	TraceExporter sdktrace.SpanExporter
	// TraceSampleRate is the fraction of root spans kept, in [0, 1].
	// Children follow their parent's decision.
	TraceSampleRate float64

	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the providers built by Init. Metrics is never nil.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdowns []func(context.Context) error
}

// Init builds the tracer and meter providers and registers them globally.
// A failing exporter setup is logged and that signal falls back to a no-op
// provider rather than failing startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  noop.NewMeterProvider(),
		Logger:         cfg.Logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
		cfg.Logger.Info("tracing enabled", slog.Float64("sample_rate", cfg.TraceSampleRate))
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		m, err := NewMetrics(mp.Meter(InstrumentationName))
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", slog.Any("error", err))
			_ = mp.Shutdown(ctx)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = m
			tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
			otel.SetMeterProvider(mp)
			cfg.Logger.Info("metrics enabled")
		}
	}
	if tel.Metrics == nil {
		tel.Metrics = NewNoopMetrics()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops every provider Init created.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range t.shutdowns {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

// Tracer returns a tracer for the given name
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}
