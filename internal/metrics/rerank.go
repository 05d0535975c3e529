package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cross-encoder Prometheus metrics.
var (
	RerankRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_requests_total",
			Help:      "Total number of cross-encoder HTTP requests (one per sub-batch)",
		},
		[]string{"model", "status"},
	)

	RerankRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rerank_request_duration_seconds",
			Help:      "Cross-encoder sub-batch request duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	RerankPairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_pairs_total",
			Help:      "Total (query, document) pairs scored",
		},
		[]string{"model"},
	)

	RerankErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_errors_total",
			Help:      "Total cross-encoder failures",
		},
		[]string{"model", "error_type"},
	)
)

var rerankMetricsRegistered bool

// RegisterRerankMetrics registers Prometheus cross-encoder metrics. Must be called once from main.
func RegisterRerankMetrics() {
	if rerankMetricsRegistered {
		return
	}
	prometheus.MustRegister(RerankRequestsTotal)
	prometheus.MustRegister(RerankRequestDuration)
	prometheus.MustRegister(RerankPairsTotal)
	prometheus.MustRegister(RerankErrorsTotal)
	rerankMetricsRegistered = true
}
