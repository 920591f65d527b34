package genclm

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/simd"
)

// Method selects how per-token hidden states collapse into one vector per
// sequence.
type Method string

const (
	PoolCLS          Method = "cls"
	PoolLastToken    Method = "lasttoken"
	PoolMean         Method = "mean"
	PoolWeightedMean Method = "weightedmean"
)

// ParseMethod validates a config string against the implemented strategies.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case PoolCLS, PoolLastToken, PoolMean, PoolWeightedMean:
		return Method(s), nil
	default:
		return "", &UnknownPoolingError{Method: s}
	}
}

// Pool reduces flattened (batch*seq, dim) hidden states to (batch, dim)
// representations. Accumulation is float32; when recast is set the result is
// stored back in the hidden tensor's dtype, otherwise it stays float32.
//
// mean and weightedmean divide by the active-token count without a zero
// guard; callers must not supply an all-zero mask to those methods.
func Pool(hidden device.Tensor, mask []float32, batch, seq int, method Method, recast bool) (device.Tensor, error) {
	rows, dim := hidden.Dims()
	if rows != batch*seq {
		return nil, fmt.Errorf("genclm: hidden rows %d do not match batch %d x seq %d", rows, batch, seq)
	}
	if len(mask) != batch*seq {
		return nil, fmt.Errorf("genclm: mask length %d does not match batch %d x seq %d", len(mask), batch, seq)
	}

	h := hidden.ToHost()
	out := make([]float32, batch*dim)

	switch method {
	case PoolCLS:
		for b := 0; b < batch; b++ {
			copy(out[b*dim:(b+1)*dim], h[b*seq*dim:b*seq*dim+dim])
		}

	case PoolLastToken:
		for b := 0; b < batch; b++ {
			m := mask[b*seq : (b+1)*seq]

			// First 1 in the reversed mask, converted back to a forward
			// index. An all-zero mask lands on an arbitrary position; the
			// multiplicative re-mask below turns that into a zero vector.
			arg := 0
			var best float32 = -1
			for r := 0; r < seq; r++ {
				if v := m[seq-1-r]; v > best {
					best = v
					arg = r
				}
			}
			idx := seq - 1 - arg
			if idx < 0 {
				idx = 0
			}

			src := h[(b*seq+idx)*dim : (b*seq+idx+1)*dim]
			dst := out[b*dim : (b+1)*dim]
			for j, v := range src {
				dst[j] = v * m[idx]
			}
		}

	case PoolMean:
		poolMaskedMean(h, mask, out, batch, seq, dim)

	case PoolWeightedMean:
		w := make([]float32, len(mask))
		for b := 0; b < batch; b++ {
			seg := w[b*seq : (b+1)*seq]
			simd.CumSum(seg, mask[b*seq:(b+1)*seq])
			for t := 0; t < seq; t++ {
				seg[t] *= mask[b*seq+t]
			}
		}
		poolMaskedMean(h, w, out, batch, seq, dim)

	default:
		return nil, &UnknownPoolingError{Method: string(method)}
	}

	dt := device.Float32
	if recast {
		dt = hidden.DType()
	}
	t := device.New(dt, batch, dim, out)
	pooledBatches.WithLabelValues(string(method)).Inc()
	return t, nil
}

// poolMaskedMean computes sum(h_t * w_t) / sum(w_t) per batch item. The
// division is deliberately unguarded.
func poolMaskedMean(h, weights, out []float32, batch, seq, dim int) {
	for b := 0; b < batch; b++ {
		dst := out[b*dim : (b+1)*dim]
		var wsum float32
		for t := 0; t < seq; t++ {
			w := weights[b*seq+t]
			if w == 0 {
				continue
			}
			wsum += w
			simd.VecAddScaled(dst, h[(b*seq+t)*dim:(b*seq+t+1)*dim], w)
		}
		inv := 1.0 / wsum
		for j := range dst {
			dst[j] *= inv
		}
	}
}
