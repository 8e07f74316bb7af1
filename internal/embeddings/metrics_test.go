package embeddings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := newMetrics(mp.Meter(embeddingsInstrumentationName), "bge-small", zap.NewNop())

	ctx := context.Background()
	m.Record(ctx, "embed_documents", 100*time.Millisecond, 10, nil)
	m.Record(ctx, "embed_query", 50*time.Millisecond, 1, nil)
	m.Record(ctx, "embed_documents", 25*time.Millisecond, 5, fmt.Errorf("call: %w", context.DeadlineExceeded))

	got := collect(t, reader)

	duration, ok := got["retaind.embedding.duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var calls uint64
	for _, dp := range duration.DataPoints {
		calls += dp.Count
		model, _ := dp.Attributes.Value("model")
		assert.Equal(t, "bge-small", model.AsString())
	}
	assert.Equal(t, uint64(3), calls)
	assert.Len(t, duration.DataPoints, 2)

	batch, ok := got["retaind.embedding.batch_size"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var texts int64
	for _, dp := range batch.DataPoints {
		texts += dp.Sum
	}
	assert.Equal(t, int64(16), texts)

	failures, ok := got["retaind.embedding.failures_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)
	kind, _ := failures.DataPoints[0].Attributes.Value(attribute.Key("kind"))
	assert.Equal(t, "timeout", kind.AsString())
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errs.Validation("text cannot be empty"), "invalid"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("connection refused"), "provider"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, failureKind(tt.err))
		})
	}
}

func TestGuard_RecordsFailures(t *testing.T) {
	fake := NewFake(8)
	g := NewGuard(fake, GuardConfig{Model: "fake"}, zap.NewNop())

	_, err := g.EmbedQuery(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Zero(t, fake.Calls())
}
