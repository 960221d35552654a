// Package observability wires OpenTelemetry tracing and metrics for the
// kernel. When disabled, Tracer and Meter fall back to the global no-op
// providers so callers never branch on configuration.
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
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of kernel spans and instruments.
const ScopeName = "github.com/SeleneOSv1/Selene-OS-sub002/kernel"

// Resource attribute keys describing the kernel deployment.
const (
	AttrStorage     = attribute.Key("selene.storage")
	AttrIdempotency = attribute.Key("selene.idempotency")
)

// Config configures telemetry export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// InstanceID distinguishes kernel replicas sharing one ledger.
	InstanceID string
	// Storage is "postgres" or "sqlite"; Idempotency is "redis" or "sql".
	Storage     string
	Idempotency string

	OTLPEndpoint   string // host:port of an OTLP gRPC collector
	Insecure       bool
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "selene-kernel",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger
}

// New installs OTLP exporting providers globally when cfg.Enabled. Disabled
// telemetry leaves the global no-op providers in place.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg, logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := KernelResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: span exporter: %w", err)
	}
	samples, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	p.meterProvider = NewMeterProvider(res, sdkmetric.NewPeriodicReader(samples, sdkmetric.WithInterval(cfg.ExportInterval)))

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"instance_id", cfg.InstanceID,
		"storage", cfg.Storage,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// KernelResource describes one kernel replica.
func KernelResource(cfg *Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNamespace("selene"),
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	if cfg.Storage != "" {
		attrs = append(attrs, AttrStorage.String(cfg.Storage))
	}
	if cfg.Idempotency != "" {
		attrs = append(attrs, AttrIdempotency.String(cfg.Idempotency))
	}
	// Schemaless so the merge adopts the SDK default's schema instead of
	// conflicting with it.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// Sampler honours the caller's sampling decision and samples new traces at
// rate.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// NewMeterProvider builds a meter provider whose views keep kernel
// instruments to their documented attribute sets, so a stray high
// cardinality attribute never reaches the exporter.
func NewMeterProvider(res *resource.Resource, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	allow := func(name string, keys ...attribute.Key) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Scope: instrumentation.Scope{Name: ScopeName}},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter(keys...)},
		)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(
			allow(metricTransitions, "process_id", "from", "to"),
			allow(metricRefusals, "gate", "reason_code"),
			allow(metricBreaker, "lane", "provider_rank", "from", "to"),
			allow(metricDeliveries, "outcome"),
			allow(metricStepDuration, "capability_id", "status"),
		),
	)
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "span flush failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric flush failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the kernel tracer from the global provider.
func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer(ScopeName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
}

// Meter returns the kernel meter from the global provider.
func (p *Provider) Meter() metric.Meter {
	return otel.Meter(ScopeName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
}

// Kernel instrument names.
const (
	metricTransitions  = "selene.workorder.transitions"
	metricRefusals     = "selene.gate.refusals"
	metricBreaker      = "selene.breaker.transitions"
	metricDeliveries   = "selene.delivery.outcomes"
	metricStepDuration = "selene.step.duration"
)

// Metrics are the kernel instruments. A nil *Metrics records nothing.
type Metrics struct {
	transitions  metric.Int64Counter
	refusals     metric.Int64Counter
	breaker      metric.Int64Counter
	deliveries   metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// NewMetrics registers the kernel instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter(metricTransitions,
		metric.WithDescription("Work order status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.refusals, err = meter.Int64Counter(metricRefusals,
		metric.WithDescription("Gate refusals by gate and reason code"),
		metric.WithUnit("{refusal}"),
	); err != nil {
		return nil, err
	}
	if m.breaker, err = meter.Int64Counter(metricBreaker,
		metric.WithDescription("Circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter(metricDeliveries,
		metric.WithDescription("Exactly-once delivery outcomes"),
		metric.WithUnit("{delivery}"),
	); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram(metricStepDuration,
		metric.WithDescription("Capability step dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) WorkOrderTransition(ctx context.Context, processID, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process_id", processID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) GateRefusal(ctx context.Context, gate, code string) {
	if m == nil {
		return
	}
	m.refusals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate", gate),
		attribute.String("reason_code", code),
	))
}

// BreakerTransition counts a state change. Provider identity is not an
// attribute; rank within the ladder is.
func (m *Metrics) BreakerTransition(ctx context.Context, lane string, rank int, from, to string) {
	if m == nil {
		return
	}
	m.breaker.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", lane),
		attribute.Int("provider_rank", rank),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) DeliveryOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) StepDuration(ctx context.Context, capabilityID, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("capability_id", capabilityID),
		attribute.String("status", status),
	))
}
