package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedVectors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_published_vectors_total",
		Help: "Embedding vectors shipped to the store.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_publish_failures_total",
		Help: "Publish calls that failed or were rejected by the breaker.",
	})
)
