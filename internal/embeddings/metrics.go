package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/nutrictx/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
	retries   metric.Int64Counter
	cacheHits metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"nutrictx.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of a single embedding provider call"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"nutrictx.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"nutrictx.embedding.errors_total",
		metric.WithDescription("Embedding provider calls that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.retries, err = meter.Int64Counter(
		"nutrictx.embedding.retries_total",
		metric.WithDescription("Embedding calls repeated after a transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.cacheHits, err = meter.Int64Counter(
		"nutrictx.embedding.cache_hits_total",
		metric.WithDescription("Query embeddings served from the in-process cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		logger.Warn("failed to create cache hits counter", zap.Error(err))
	}
	return m
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) recordRetry(ctx context.Context, operation string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (m *Metrics) recordCacheHit(ctx context.Context) {
	if m.cacheHits != nil {
		m.cacheHits.Add(ctx, 1)
	}
}
