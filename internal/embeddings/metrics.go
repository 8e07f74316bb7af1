package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retaind/internal/errs"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/retaind/internal/embeddings"

// Metrics records embedding call latency, batch size and failures for one model.
type Metrics struct {
	model     attribute.KeyValue
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	failures  metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics(model string, logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(embeddingsInstrumentationName), model, logger)
}

func newMetrics(meter metric.Meter, model string, logger *zap.Logger) *Metrics {
	m := &Metrics{model: attribute.String("model", model)}

	var err error
	m.duration, err = meter.Float64Histogram(
		"retaind.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls, labeled by model and operation (embed_documents, embed_query)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"retaind.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		logger.Warn("failed to create embedding batch size histogram", zap.Error(err))
	}

	m.failures, err = meter.Int64Counter(
		"retaind.embedding.failures_total",
		metric.WithDescription("Failed embedding calls by model, operation and kind (invalid, timeout, canceled, provider)"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		logger.Warn("failed to create embedding failures counter", zap.Error(err))
	}
	return m
}

// Record records one call. texts is the number of inputs sent.
func (m *Metrics) Record(ctx context.Context, operation string, took time.Duration, texts int, err error) {
	attrs := metric.WithAttributes(m.model, attribute.String("operation", operation))

	if m.duration != nil {
		m.duration.Record(ctx, took.Seconds(), attrs)
	}
	if texts > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(texts), attrs)
	}
	if err != nil && m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(m.model,
			attribute.String("operation", operation),
			attribute.String("kind", failureKind(err))))
	}
}

func failureKind(err error) string {
	switch {
	case errs.IsValidation(err):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "provider"
	}
}
