// Package telemetry exposes the pipeline's operational counters on the
// prometheus registry served at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for the vector pipeline.
type Metrics struct {
	EmbeddingCalls   *prometheus.CounterVec
	EmbeddingTokens  prometheus.Counter
	EmbeddingRetries prometheus.Counter
	SpendTotal       prometheus.Counter
	BudgetHeadroom   prometheus.Gauge
	Searches         prometheus.Counter
	SearchHits       prometheus.Histogram
	IndexLive        prometheus.Gauge
	TombstoneRatio   prometheus.Gauge
	Compactions      prometheus.Counter
}

// New registers the pipeline collectors on reg. Pass nil to use the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EmbeddingCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vectorpipe_embedding_calls_total",
			Help: "External embedding calls by outcome.",
		}, []string{"outcome"}),
		EmbeddingTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "vectorpipe_embedding_tokens_total",
			Help: "Tokens reported by the embedding provider.",
		}),
		EmbeddingRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "vectorpipe_embedding_retries_total",
			Help: "Transient provider failures that were retried.",
		}),
		SpendTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "vectorpipe_spend_dollars_total",
			Help: "Committed external spend in dollars.",
		}),
		BudgetHeadroom: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vectorpipe_budget_headroom_dollars",
			Help: "Remaining budget before the cap.",
		}),
		Searches: factory.NewCounter(prometheus.CounterOpts{
			Name: "vectorpipe_searches_total",
			Help: "Retrieval requests served.",
		}),
		SearchHits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vectorpipe_search_hits",
			Help:    "Result counts per retrieval request.",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		}),
		IndexLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vectorpipe_index_live_entries",
			Help: "Live entries in the vector index.",
		}),
		TombstoneRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "vectorpipe_index_tombstone_ratio",
			Help: "Fraction of index slots holding tombstoned vectors.",
		}),
		Compactions: factory.NewCounter(prometheus.CounterOpts{
			Name: "vectorpipe_index_compactions_total",
			Help: "Index rebuilds triggered by the tombstone policy or operators.",
		}),
	}
}
