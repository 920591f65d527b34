package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bowyer_trainer_steps_total",
		Help: "Optimization steps taken, by training mode.",
	}, []string{"mode"})

	stepLoss = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bowyer_trainer_step_loss",
		Help:    "Combined loss per optimization step.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	learningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bowyer_trainer_learning_rate",
		Help: "Learning rate of the most recent step.",
	})

	checkpointsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bowyer_trainer_checkpoints_saved_total",
		Help: "Checkpoints written to disk.",
	})
)
