package telemetry

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	reader       *sdkmetric.ManualReader
}

// NewTestTelemetry returns enabled telemetry backed by in-memory readers.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		SpanRecorder: recorder,
		reader:       reader,
	}
}

var (
	globalOnce sync.Once
	global     *TestTelemetry
)

// Global returns a process-wide TestTelemetry installed as the otel global
// tracer and meter provider. Package-level tracers created with otel.Tracer
// only bind to the first provider installed, so tests share this one and
// should match spans by attributes unique to the test.
func Global() *TestTelemetry {
	globalOnce.Do(func() {
		global = NewTestTelemetry()
		otel.SetTracerProvider(global.tracerProvider)
		otel.SetMeterProvider(global.meterProvider)
	})
	return global
}

// Spans returns ended spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpanByName returns the most recent ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	spans := t.Spans()
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].Name() == name {
			return spans[i]
		}
	}
	return nil
}

// SpansWith returns ended spans called name that carry key=value.
func (t *TestTelemetry) SpansWith(name, key string, value any) []trace.ReadOnlySpan {
	var out []trace.ReadOnlySpan
	for _, span := range t.Spans() {
		if span.Name() != name {
			continue
		}
		if v, ok := SpanAttr(span, key); ok && v == value {
			out = append(out, span)
		}
	}
	return out
}

// AssertSpanExists fails tb if no span called name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		tb.Errorf("span %q not found, got %v", name, t.spanNames())
	}
}

// AssertSpanAttribute checks the latest span called name has key=expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, expected any) {
	tb.Helper()
	span := t.SpanByName(name)
	if span == nil {
		tb.Fatalf("span %q not found", name)
	}
	got, ok := SpanAttr(span, key)
	if !ok {
		tb.Errorf("span %q missing attribute %q", name, key)
		return
	}
	if got != expected {
		tb.Errorf("span %q attribute %q: got %v, want %v", name, key, got, expected)
	}
}

// MetricNames returns the names of every metric currently reported.
func (t *TestTelemetry) MetricNames(ctx context.Context) []string {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func (t *TestTelemetry) spanNames() []string {
	spans := t.Spans()
	names := make([]string, len(spans))
	for i, span := range spans {
		names[i] = span.Name()
	}
	return names
}

// SpanAttr returns the value of attribute key on span.
func SpanAttr(span trace.ReadOnlySpan, key string) (any, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) != key {
			continue
		}
		switch kv.Value.Type() {
		case attribute.STRING:
			return kv.Value.AsString(), true
		case attribute.INT64:
			return kv.Value.AsInt64(), true
		case attribute.FLOAT64:
			return kv.Value.AsFloat64(), true
		case attribute.BOOL:
			return kv.Value.AsBool(), true
		default:
			return kv.Value.AsInterface(), true
		}
	}
	return nil, false
}
