package trainer

import "math"

// LRScheduler produces a linear-warmup, cosine-decay learning rate. The
// warmup covers the first tenth of the run; after it the rate follows half a
// cosine down to zero at totalSteps.
type LRScheduler struct {
	base   float64
	warmup int
	total  int
}

// NewLRScheduler builds a scheduler over totalSteps with a 10% warmup. A run
// of fewer than ten steps still warms up for one step.
func NewLRScheduler(base float64, totalSteps int) *LRScheduler {
	warmup := totalSteps / 10
	if warmup < 1 {
		warmup = 1
	}
	return &LRScheduler{base: base, warmup: warmup, total: totalSteps}
}

// At returns the learning rate for a zero-based step index.
func (s *LRScheduler) At(step int) float64 {
	if step < s.warmup {
		return s.base * float64(step+1) / float64(s.warmup)
	}
	if step >= s.total {
		return 0
	}
	progress := float64(step-s.warmup) / float64(s.total-s.warmup)
	return s.base * 0.5 * (1 + math.Cos(math.Pi*progress))
}

// WarmupSteps reports the number of warmup steps.
func (s *LRScheduler) WarmupSteps() int { return s.warmup }
