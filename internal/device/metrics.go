package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scratchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_scratch_pool_hits_total",
		Help: "Total number of scratch tensors served from the pool",
	})

	scratchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_scratch_pool_misses_total",
		Help: "Total number of scratch tensor allocations (pool misses)",
	})
)
