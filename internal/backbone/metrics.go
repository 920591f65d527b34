package backbone

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_backbone_forward_duration_seconds",
		Help:    "Wall time of one full backbone forward pass.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	layerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bowyer_backbone_layer_duration_seconds",
		Help:    "Wall time per transformer layer.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"layer"})
)

func layerLabel(i int) string {
	return strconv.Itoa(i)
}
