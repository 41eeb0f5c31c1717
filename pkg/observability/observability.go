// Package observability wires OpenTelemetry tracing and metrics for the
// pipeline: OTLP gRPC exporters, RED metrics over every consumed message,
// and counters for the pipeline-specific outcomes (normalized, suppressed,
// dead-lettered, triaged, fallback). With Enabled=false every method is a
// no-op, which is how tests run.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults: everything sampled, local
// collector, insecure transport.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sentria",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the pipeline
// instruments. The zero value (and a disabled Provider) is safe to use:
// every record method checks its instrument for nil.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics over consumed messages.
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// Pipeline outcome counters.
	alertsNormalized     metric.Int64Counter
	duplicatesSuppressed metric.Int64Counter
	rulesSuppressed      metric.Int64Counter
	deadLetters          metric.Int64Counter
	intelLookups         metric.Int64Counter
	intelCacheHits       metric.Int64Counter
	triageResults        metric.Int64Counter
	fallbacks            metric.Int64Counter
}

// New builds a Provider. With cfg.Enabled false no exporters are created
// and every instrument stays nil.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("sentria.component", "pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("sentria.pipeline",
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("sentria.pipeline",
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate)
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

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
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
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.requestCounter, err = p.meter.Int64Counter("sentria.messages.total",
		metric.WithDescription("Messages consumed off the fabric"),
		metric.WithUnit("{message}"))
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("sentria.errors.total",
		metric.WithDescription("Handler errors"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("sentria.message.duration",
		metric.WithDescription("Per-message processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 120.0))
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("sentria.operations.active",
		metric.WithDescription("In-flight alerts"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&p.alertsNormalized, "sentria.alerts_normalized.total", "Alerts normalized to canonical form"},
		{&p.duplicatesSuppressed, "sentria.duplicates_suppressed.total", "Alerts dropped as duplicates"},
		{&p.rulesSuppressed, "sentria.rules_suppressed.total", "Alerts dropped by suppression rules"},
		{&p.deadLetters, "sentria.dead_letters.total", "Messages routed to the dead-letter topic"},
		{&p.intelLookups, "sentria.intel_lookups.total", "Outbound intel provider lookups"},
		{&p.intelCacheHits, "sentria.intel_cache_hits.total", "Intel lookups served from cache"},
		{&p.triageResults, "sentria.triage_results.total", "Triage results published"},
		{&p.fallbacks, "sentria.fallbacks.total", "Fallback triage results published"},
	}
	for _, c := range counters {
		*c.dst, err = p.meter.Int64Counter(c.name,
			metric.WithDescription(c.desc), metric.WithUnit("{alert}"))
		if err != nil {
			return err
		}
	}
	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("sentria.pipeline")
	}
	return p.tracer
}

// StartSpan starts a span under the pipeline tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation opens a span and the RED instruments for one unit of
// work; the returned func records duration and outcome when called.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if p == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
			}
		}
		span.End()
	}
}

func (p *Provider) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if p == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// AlertNormalized counts one alert leaving the normalizer.
func (p *Provider) AlertNormalized(ctx context.Context, source string) {
	if p == nil {
		return
	}
	p.add(ctx, p.alertsNormalized, attribute.String("source", source))
}

// DuplicateSuppressed counts one alert dropped as a duplicate.
func (p *Provider) DuplicateSuppressed(ctx context.Context, source string) {
	if p == nil {
		return
	}
	p.add(ctx, p.duplicatesSuppressed, attribute.String("source", source))
}

// RuleSuppressed counts one alert dropped by a suppression rule.
func (p *Provider) RuleSuppressed(ctx context.Context, rule string) {
	if p == nil {
		return
	}
	p.add(ctx, p.rulesSuppressed, attribute.String("rule", rule))
}

// DeadLetter counts one message routed to the dead-letter topic.
func (p *Provider) DeadLetter(ctx context.Context, kind string) {
	if p == nil {
		return
	}
	p.add(ctx, p.deadLetters, attribute.String("kind", kind))
}

// IntelLookup counts one outbound provider lookup; cached marks answers
// served from the per-adapter TTL cache.
func (p *Provider) IntelLookup(ctx context.Context, provider string, cached bool) {
	if p == nil {
		return
	}
	p.add(ctx, p.intelLookups, attribute.String("provider", provider))
	if cached {
		p.add(ctx, p.intelCacheHits, attribute.String("provider", provider))
	}
}

// TriageResult counts one published verdict; fallback marks the degraded
// path.
func (p *Provider) TriageResult(ctx context.Context, fallback bool) {
	if p == nil {
		return
	}
	p.add(ctx, p.triageResults)
	if fallback {
		p.add(ctx, p.fallbacks)
	}
}
