package metrics

import "github.com/prometheus/client_golang/prometheus"

// Retrieval pipeline and vector index Prometheus metrics.
var (
	SearchStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_stage_duration_seconds",
			Help:      "Duration of each retrieval pipeline stage in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"stage"}, // embed, vector_search, fetch, rerank, total
	)

	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Search requests by outcome",
		},
		[]string{"outcome"}, // reranked, coarse, degraded, empty, error
	)

	SearchCandidatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_candidates_dropped_total",
			Help:      "Stage-one candidates dropped because the document store no longer had them",
		},
	)

	IndexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_documents",
			Help:      "Number of live vectors in the index",
		},
	)

	IndexRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_rebuilds_total",
			Help:      "Total number of index partition rebuilds",
		},
	)

	IndexRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_rebuild_duration_seconds",
			Help:      "Index partition rebuild duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	IndexSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_search_duration_seconds",
			Help:      "Vector index search duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	SyncChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_changes_total",
			Help:      "Document changes applied to the index from the store change log",
		},
		[]string{"op"}, // upsert, delete
	)
)

var searchMetricsRegistered bool

// RegisterSearchMetrics registers pipeline and index metrics. Must be called once from main.
func RegisterSearchMetrics() {
	if searchMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchStageDuration)
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(SearchCandidatesDropped)
	prometheus.MustRegister(IndexSize)
	prometheus.MustRegister(IndexRebuildsTotal)
	prometheus.MustRegister(IndexRebuildDuration)
	prometheus.MustRegister(IndexSearchDuration)
	prometheus.MustRegister(SyncChangesTotal)
	searchMetricsRegistered = true
}
