package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitiesTotal counts entities by data type and outcome
	// (succeeded, failed, skipped, deleted).
	EntitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "ingest",
			Name:      "entities_total",
			Help:      "Entities processed by data type and outcome",
		},
		[]string{"data_type", "outcome"},
	)

	// EmbedFallbacksTotal counts batch embeds that fell back to per-entity calls.
	EmbedFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "ingest",
			Name:      "embed_fallbacks_total",
			Help:      "Batch embedding failures retried one entity at a time",
		},
		[]string{"data_type"},
	)

	// JobDuration tracks single-event processing time.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nutrictx",
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Time to process one ingest event",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "state"},
	)

	// QueueDepth is the number of events waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nutrictx",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Events waiting in the ingest queue",
		},
	)

	// QueueDroppedTotal counts events rejected because the queue was full.
	QueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "ingest",
			Name:      "queue_dropped_total",
			Help:      "Events rejected because the ingest queue was full",
		},
	)
)
