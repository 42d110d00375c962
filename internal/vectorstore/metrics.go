package vectorstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("nutrictx.vectorstore")

var (
	// OperationsTotal counts store operations.
	// Labels: backend (chromem, qdrant, postgres), operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long store operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nutrictx",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// ChunksWritten counts chunks accepted by Upsert.
	ChunksWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "vectorstore",
			Name:      "chunks_written_total",
			Help:      "Total number of chunks upserted",
		},
		[]string{"backend"},
	)
)

// observe starts a span for op and returns a func that ends it and records
// metrics. Call the returned func with the operation's final error.
func observe(ctx context.Context, backend, op, namespace string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "vectorstore."+op, trace.WithAttributes(
		attribute.String("vectorstore.backend", backend),
		attribute.String("vectorstore.namespace", namespace),
	))
	start := time.Now()

	return ctx, func(err error) {
		OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		OperationsTotal.WithLabelValues(backend, op, result).Inc()
		span.End()
	}
}
