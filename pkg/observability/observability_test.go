package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.WorkOrderTransition(ctx, "book_meeting", "DRAFT", "CLARIFY")
	m.GateRefusal(ctx, "ACCESS", "AccessDenied")
	m.BreakerTransition(ctx, "delivery", 0, "CLOSED", "OPEN")
	m.DeliveryOutcome(ctx, "sent")
	m.StepDuration(ctx, "message.send", "OK", 120*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, md := range rm.ScopeMetrics[0].Metrics {
		names[md.Name] = true
	}
	for _, want := range []string{
		"selene.workorder.transitions",
		"selene.gate.refusals",
		"selene.breaker.transitions",
		"selene.delivery.outcomes",
		"selene.step.duration",
	} {
		assert.True(t, names[want], want)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WorkOrderTransition(context.Background(), "p", "a", "b")
		m.StepDuration(context.Background(), "c", "OK", time.Second)
	})
}

func TestKernelResource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstanceID = "kernel-a"
	cfg.Storage = "postgres"
	cfg.Idempotency = "redis"

	res, err := KernelResource(cfg)
	require.NoError(t, err)
	assert.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNamespaceKey:  "selene",
		semconv.ServiceNameKey:       "selene-kernel",
		semconv.ServiceInstanceIDKey: "kernel-a",
		AttrStorage:                  "postgres",
		AttrIdempotency:              "redis",
	} {
		v, ok := set.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, want, v.AsString(), key)
	}

	bare, err := KernelResource(DefaultConfig())
	require.NoError(t, err)
	_, ok := bare.Set().Value(AttrStorage)
	assert.False(t, ok)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	assert.Contains(t, Sampler(0.25).Description(), "ParentBased")
}

// Kernel instruments keep only their documented attributes.
func TestMeterProvider_FiltersAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := NewMeterProvider(resource.Empty(), reader)
	ctx := context.Background()

	counter, err := mp.Meter(ScopeName).Int64Counter(metricDeliveries)
	require.NoError(t, err)
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", "sent"),
		attribute.String("recipient", "bob@example.com"),
	))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	attrs := sum.DataPoints[0].Attributes
	assert.Equal(t, 1, attrs.Len())
	_, leaked := attrs.Value("recipient")
	assert.False(t, leaked)
}
