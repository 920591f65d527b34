package genclm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

func repsOf(rows ...[]float32) device.Tensor {
	dim := len(rows[0])
	data := make([]float32, 0, len(rows)*dim)
	for _, r := range rows {
		data = append(data, r...)
	}
	return device.New(device.Float32, len(rows), dim, data)
}

func TestContrastiveLossPullsPositivesTogether(t *testing.T) {
	c := NewContrastiveLoss()

	// Two classes, members already aligned with their own class and
	// orthogonal to the other: loss should be small.
	aligned := repsOf(
		[]float32{1, 0, 0},
		[]float32{1, 0.01, 0},
		[]float32{0, 0, 1},
		[]float32{0, 0.01, 1},
	)
	labels := []int{0, 0, 1, 1}
	low, err := c.Loss(aligned, labels, false)
	require.NoError(t, err)

	// Positives orthogonal, negatives aligned: loss should be large.
	scrambled := repsOf(
		[]float32{1, 0, 0},
		[]float32{0, 0, 1},
		[]float32{0.99, 0, 0.1},
		[]float32{0, 1, 0},
	)
	high, err := c.Loss(scrambled, labels, false)
	require.NoError(t, err)

	require.Greater(t, high, low)
}

func TestContrastiveLossNoPositivePairs(t *testing.T) {
	c := NewContrastiveLoss()
	reps := repsOf([]float32{1, 0}, []float32{0, 1}, []float32{1, 1})

	_, err := c.Loss(reps, []int{0, 1, 2}, false)
	require.ErrorIs(t, err, ErrNoPositivePairs)
	_, err = c.Loss(reps, []int{0, 1, 2}, true)
	require.ErrorIs(t, err, ErrNoPositivePairs)
}

func TestContrastiveLossAllSameLabel(t *testing.T) {
	c := NewContrastiveLoss()
	reps := repsOf([]float32{1, 0}, []float32{0, 1}, []float32{1, 1})
	labels := []int{5, 5, 5}

	// No negatives: each positive pair's softmax denominator is its own
	// numerator, so the loss is exactly zero, not an error.
	loss, err := c.Loss(reps, labels, false)
	require.NoError(t, err)
	require.InDelta(t, 0.0, float64(loss), 1e-6)

	// With mining, anchors without negatives keep no positive pairs and
	// the loss degenerates to zero as well.
	loss, err = c.Loss(reps, labels, true)
	require.NoError(t, err)
	require.Equal(t, float32(0), loss)
}

func TestContrastiveLossTemperatureSharpens(t *testing.T) {
	reps := repsOf(
		[]float32{1, 0},
		[]float32{0.9, 0.1},
		[]float32{0.8, 0.2},
		[]float32{-1, 0},
	)
	labels := []int{0, 0, 1, 1}

	warm := &ContrastiveLoss{Temperature: 1.0, MinerEpsilon: 0.2}
	cold := &ContrastiveLoss{Temperature: 0.05, MinerEpsilon: 0.2}

	lw, err := warm.Loss(reps, labels, false)
	require.NoError(t, err)
	lc, err := cold.Loss(reps, labels, false)
	require.NoError(t, err)
	require.NotEqual(t, lw, lc)
}

func TestMinerDropsEasyPairs(t *testing.T) {
	c := NewContrastiveLoss()

	// Class 0 is a solved pair (identical vectors, orthogonal to the
	// negatives), class 1 a hard one (near-orthogonal positives). Mining
	// drops the solved pair and the mined mean exceeds the unmined one.
	reps := repsOf(
		[]float32{1, 0, 0},
		[]float32{1, 0, 0},
		[]float32{0, 1, 0},
		[]float32{0, 0.1, 0.995},
	)
	labels := []int{0, 0, 1, 1}

	sim := c.cosineMatrix(reps)
	pos := []pair{{0, 1}, {1, 0}, {2, 3}, {3, 2}}
	neg := []pair{{0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 0}, {2, 1}, {3, 0}, {3, 1}}
	keptPos, _ := c.mine(sim, pos, neg, 4)
	require.ElementsMatch(t, []pair{{2, 3}, {3, 2}}, keptPos)

	mined, err := c.Loss(reps, labels, true)
	require.NoError(t, err)
	unmined, err := c.Loss(reps, labels, false)
	require.NoError(t, err)
	require.Greater(t, mined, unmined)
}

func TestCosineMatrixIgnoresMagnitude(t *testing.T) {
	c := NewContrastiveLoss()
	small := repsOf([]float32{1, 0}, []float32{1, 0.1})
	big := repsOf([]float32{100, 0}, []float32{10, 1})

	simSmall := c.cosineMatrix(small)
	simBig := c.cosineMatrix(big)
	require.InDelta(t, simSmall.At(0, 1), simBig.At(0, 1), 1e-6)
	require.InDelta(t, 1.0, simSmall.At(0, 0), 1e-6)
}

func TestContrastiveLossHalfPrecisionReps(t *testing.T) {
	c := NewContrastiveLoss()
	reps := device.New(device.Float16, 4, 2, []float32{
		1, 0,
		1, 0.05,
		0, 1,
		0.05, 1,
	})
	loss, err := c.Loss(reps, []int{0, 0, 1, 1}, false)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(loss)))
}
