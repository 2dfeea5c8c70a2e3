// Package observability wires OpenTelemetry tracing and metrics around
// the ingestion orchestrator and transport adapters, grounded on the
// teacher's pkg/observability RED-metrics provider, scaled down to the
// handful of signals this core actually emits: ingest latency, anomaly
// rate, alert count, and per-adapter error counts.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and where telemetry is exported. Disabled by
// default so a deployment without a collector doesn't fail to start.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Enabled      bool
	Insecure     bool
}

// Provider holds the tracer/meter and the ingest-path instruments the
// orchestrator and transports record against.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	ingestCounter  metric.Int64Counter
	anomalyCounter metric.Int64Counter
	alertCounter   metric.Int64Counter
	errorCounter   metric.Int64Counter
	ingestDuration metric.Float64Histogram
}

// New builds a Provider. When cfg.Enabled is false it returns a
// no-op-safe Provider whose Start*/Record* methods are all nil-guarded,
// so callers never need a separate disabled branch.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{config: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("watertelemetry.component", "ingestion-core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("merge resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("watertelemetry.ingestion-core")
	p.meter = otel.Meter("watertelemetry.ingestion-core")

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.ingestCounter, err = p.meter.Int64Counter("ingestion.readings.total",
		metric.WithDescription("Sensor readings accepted by the orchestrator"), metric.WithUnit("{reading}")); err != nil {
		return err
	}
	if p.anomalyCounter, err = p.meter.Int64Counter("ingestion.anomalies.total",
		metric.WithDescription("Readings flagged anomalous"), metric.WithUnit("{reading}")); err != nil {
		return err
	}
	if p.alertCounter, err = p.meter.Int64Counter("ingestion.alerts.total",
		metric.WithDescription("Alerts created from anomalies or rule matches"), metric.WithUnit("{alert}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("ingestion.errors.total",
		metric.WithDescription("Ingestion failures by taxonomy kind"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.ingestDuration, err = p.meter.Float64Histogram("ingestion.duration",
		metric.WithDescription("Time from Process() call to commit"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5)); err != nil {
		return err
	}
	return nil
}

// StartIngestSpan starts a span around one orchestrator.Process call,
// tagged with the originating protocol.
func (p *Provider) StartIngestSpan(ctx context.Context, protocol string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, "ingestion.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("watertelemetry.protocol", protocol)))
}

// RecordIngest records one completed Process call: its duration, and
// whether it was anomalous / produced alerts / failed.
func (p *Provider) RecordIngest(ctx context.Context, protocol string, dur time.Duration, isAnomaly bool, alertCount int, errKind string) {
	if p.ingestCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("protocol", protocol))
	p.ingestCounter.Add(ctx, 1, attrs)
	p.ingestDuration.Record(ctx, dur.Seconds(), attrs)
	if isAnomaly {
		p.anomalyCounter.Add(ctx, 1, attrs)
	}
	if alertCount > 0 {
		p.alertCounter.Add(ctx, int64(alertCount), attrs)
	}
	if errKind != "" {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("protocol", protocol), attribute.String("kind", errKind)))
	}
}

// Shutdown drains and stops the exporters. Safe to call on a disabled
// Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
