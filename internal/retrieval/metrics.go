package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nutrictx.retrieval")

var (
	// RequestsTotal counts retrievals by result (ok, degraded, invalid).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrieval requests by result",
		},
		[]string{"result"},
	)

	// NamespaceFailuresTotal counts namespaces dropped from a fan-out.
	NamespaceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "retrieval",
			Name:      "namespace_failures_total",
			Help:      "Namespace queries that failed or timed out during fan-out",
		},
		[]string{"data_type"},
	)

	// Duration tracks end-to-end retrieval latency.
	Duration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nutrictx",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval latency including query embedding",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// ResultsReturned tracks how many results survive ranking.
	ResultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nutrictx",
			Subsystem: "retrieval",
			Name:      "results_returned",
			Help:      "Results returned per retrieval after ranking",
			Buckets:   []float64{0, 1, 3, 5, 10, 15, 25, 50},
		},
	)
)
