package genclm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pooledBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bowyer_genclm_pooled_batches_total",
		Help: "Batches reduced by the pooling engine, by method.",
	}, []string{"method"})

	minedPairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_genclm_mined_pairs_total",
		Help: "Pairs kept by the hard-pair miner.",
	})

	genLossObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_genclm_generation_loss",
		Help:    "Per-batch next-token loss values.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	embLossObserved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_genclm_embedding_loss",
		Help:    "Per-batch contrastive loss values.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
)
