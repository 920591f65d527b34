package genclm

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

// ContrastiveLoss is a normalized-temperature (InfoNCE-style) loss over
// cosine similarity with optional multi-similarity hard-pair mining. Items
// sharing a group label are positives for each other; everything else in the
// batch is a negative. Temperature and epsilon are fixed at construction.
type ContrastiveLoss struct {
	Temperature  float64
	MinerEpsilon float64
}

// NewContrastiveLoss uses the usual defaults: temperature 0.05,
// miner epsilon 0.2.
func NewContrastiveLoss() *ContrastiveLoss {
	return &ContrastiveLoss{Temperature: 0.05, MinerEpsilon: 0.2}
}

type pair struct{ a, b int }

// Loss computes the contrastive loss over (n, dim) representations and n
// group labels. It returns ErrNoPositivePairs when the labels admit no
// positive pair at all. A batch where every item shares one label has no
// negatives and yields zero loss.
func (c *ContrastiveLoss) Loss(reps device.Tensor, labels []int, useMiner bool) (float32, error) {
	n, _ := reps.Dims()

	sim := c.cosineMatrix(reps)

	var pos, neg []pair
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			if labels[i] == labels[j] {
				pos = append(pos, pair{i, j})
			} else {
				neg = append(neg, pair{i, j})
			}
		}
	}
	if len(pos) == 0 {
		return 0, ErrNoPositivePairs
	}

	if useMiner {
		pos, neg = c.mine(sim, pos, neg, n)
		minedPairs.Add(float64(len(pos) + len(neg)))
		if len(pos) == 0 {
			return 0, nil
		}
	}

	// Per-anchor negative similarities, shared by all of that anchor's
	// positive pairs.
	negByAnchor := make([][]float64, n)
	for _, p := range neg {
		negByAnchor[p.a] = append(negByAnchor[p.a], sim.At(p.a, p.b))
	}

	inv := 1.0 / c.Temperature
	var total float64
	for _, p := range pos {
		sap := sim.At(p.a, p.b) * inv

		// Stable log-sum-exp over the positive plus the anchor's negatives.
		maxv := sap
		for _, s := range negByAnchor[p.a] {
			if s*inv > maxv {
				maxv = s * inv
			}
		}
		denom := math.Exp(sap - maxv)
		for _, s := range negByAnchor[p.a] {
			denom += math.Exp(s*inv - maxv)
		}
		total += maxv + math.Log(denom) - sap
	}
	return float32(total / float64(len(pos))), nil
}

// mine keeps the hard pairs under the multi-similarity criterion: a positive
// pair survives when its similarity is not clearly above every negative of
// the same anchor, a negative when it is not clearly below every positive.
func (c *ContrastiveLoss) mine(sim *mat.Dense, pos, neg []pair, n int) (keptPos, keptNeg []pair) {
	maxNeg := make([]float64, n)
	minPos := make([]float64, n)
	for i := range maxNeg {
		maxNeg[i] = math.Inf(-1)
		minPos[i] = math.Inf(1)
	}
	for _, p := range neg {
		if s := sim.At(p.a, p.b); s > maxNeg[p.a] {
			maxNeg[p.a] = s
		}
	}
	for _, p := range pos {
		if s := sim.At(p.a, p.b); s < minPos[p.a] {
			minPos[p.a] = s
		}
	}

	for _, p := range pos {
		if sim.At(p.a, p.b) < maxNeg[p.a]+c.MinerEpsilon {
			keptPos = append(keptPos, p)
		}
	}
	for _, p := range neg {
		if sim.At(p.a, p.b) > minPos[p.a]-c.MinerEpsilon {
			keptNeg = append(keptNeg, p)
		}
	}
	return keptPos, keptNeg
}

// cosineMatrix returns the n x n cosine similarity matrix of the rows of
// reps. Rows are normalized into a local copy; all-zero rows stay zero.
func (c *ContrastiveLoss) cosineMatrix(reps device.Tensor) *mat.Dense {
	n, dim := reps.Dims()
	host := reps.ToHost()

	normed := mat.NewDense(n, dim, nil)
	row := make([]float64, dim)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			row[j] = float64(host[i*dim+j])
		}
		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1.0/norm, row)
		}
		normed.SetRow(i, row)
	}

	sim := mat.NewDense(n, n, nil)
	sim.Mul(normed, normed.T())
	return sim
}
