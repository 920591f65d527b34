package backbone

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/simd"
)

// KVCache holds per-layer key/value rows from a causal prefix pass so that
// decoding can extend the sequence one token at a time without recomputing
// the prefix. It is opaque to callers and only valid for the model that
// produced it.
type KVCache struct {
	batch  int
	seq    int // positions cached per item
	hidden int

	// keys[layer] and values[layer] are (batch*seq, hidden) row-major,
	// keys already carry RoPE.
	keys   [][]float32
	values [][]float32
}

// Len returns the number of cached positions per batch item.
func (c *KVCache) Len() int { return c.seq }

func (c *KVCache) appendRows(layer int, k, v []float32) {
	c.keys[layer] = append(c.keys[layer], k...)
	c.values[layer] = append(c.values[layer], v...)
}

// ropeRow applies rotary position embedding to one (numHeads*headDim) row at
// an absolute sequence position. Matches the device kernel.
func ropeRow(row []float32, pos, numHeads, headDim int) {
	for h := 0; h < numHeads; h++ {
		off := h * headDim
		for i := 0; i < headDim/2; i++ {
			theta := float64(pos) * math.Pow(10000.0, -2.0*float64(i)/float64(headDim))
			cos := float32(math.Cos(theta))
			sin := float32(math.Sin(theta))

			x1 := row[off+i]
			x2 := row[off+headDim/2+i]
			row[off+i] = x1*cos - x2*sin
			row[off+headDim/2+i] = x1*sin + x2*cos
		}
	}
}

// Decode extends a cached causal prefix by one token per batch item and
// returns (batch, vocab) logits for the new positions. The cache grows by
// one position.
func (m *Model) Decode(cache *KVCache, ids []int) (device.Tensor, error) {
	if cache == nil {
		return nil, fmt.Errorf("backbone: nil decode cache")
	}
	if len(ids) != cache.batch {
		return nil, fmt.Errorf("backbone: decode ids length %d does not match cached batch %d", len(ids), cache.batch)
	}

	b := m.backend
	h := m.cfg.HiddenSize
	heads := m.cfg.NumHeads
	headDim := h / heads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	pos := cache.seq

	emb := m.tokenEmb.Gather(ids)
	x := b.GetTensor(cache.batch, h)
	x.Copy(emb)

	for li, l := range m.layers {
		normed := b.GetTensor(cache.batch, h)
		normed.Copy(x)
		l.attnNorm.apply(normed)

		q := l.qProj.forward(b, normed)
		k := l.kProj.forward(b, normed)
		v := l.vProj.forward(b, normed)
		b.PutTensor(normed)

		qh := q.ToHost()
		kh := k.ToHost()
		vh := v.ToHost()
		b.PutTensor(q)
		b.PutTensor(k)
		b.PutTensor(v)

		attnOut := b.GetTensor(cache.batch, h)
		for bi := 0; bi < cache.batch; bi++ {
			qRow := qh[bi*h : (bi+1)*h]
			kRow := kh[bi*h : (bi+1)*h]
			ropeRow(qRow, pos, heads, headDim)
			ropeRow(kRow, pos, heads, headDim)

			// Attend over the item's cached keys plus this new one.
			keys := cache.keys[li][bi*pos*h : (bi+1)*pos*h]
			vals := cache.values[li][bi*pos*h : (bi+1)*pos*h]

			scores := make([]float32, pos+1)
			for t := 0; t < pos; t++ {
				scores[t] = simd.DotProduct(qRow, keys[t*h:(t+1)*h]) * scale
			}
			scores[pos] = simd.DotProduct(qRow, kRow) * scale
			simd.SoftmaxFast(scores)

			outRow := make([]float32, h)
			for t := 0; t < pos; t++ {
				simd.VecAddScaled(outRow, vals[t*h:(t+1)*h], scores[t])
			}
			simd.VecAddScaled(outRow, vh[bi*h:(bi+1)*h], scores[pos])
			for j, val := range outRow {
				attnOut.Set(bi, j, val)
			}
		}

		proj := l.oProj.forward(b, attnOut)
		b.PutTensor(attnOut)
		x.Add(proj)
		b.PutTensor(proj)

		normed = b.GetTensor(cache.batch, h)
		normed.Copy(x)
		l.mlpNorm.apply(normed)

		hid := l.up.forward(b, normed)
		b.PutTensor(normed)
		hid.Gelu()

		down := l.down.forward(b, hid)
		b.PutTensor(hid)
		x.Add(down)
		b.PutTensor(down)

		// Grow the cache with the new position, interleaved per item.
		cache.keys[li] = interleaveAppend(cache.keys[li], cache.batch, pos, h, func(bi int) []float32 {
			return kh[bi*h : (bi+1)*h]
		})
		cache.values[li] = interleaveAppend(cache.values[li], cache.batch, pos, h, func(bi int) []float32 {
			return vh[bi*h : (bi+1)*h]
		})
	}
	cache.seq = pos + 1

	m.finalLN.apply(x)

	head := m.tokenEmb
	if head.DType() != device.Float32 {
		r, c := head.Dims()
		head = device.New(device.Float32, r, c, head.ToHost())
	}
	logits := device.New(device.Float32, cache.batch, m.cfg.VocabSize, nil)
	logits.Mul(x, head.T())
	b.PutTensor(x)

	return logits, nil
}

// interleaveAppend rebuilds a per-item cache block of oldSeq positions with
// one extra row appended per item.
func interleaveAppend(old []float32, batch, oldSeq, h int, row func(bi int) []float32) []float32 {
	out := make([]float32, 0, (oldSeq+1)*batch*h)
	for bi := 0; bi < batch; bi++ {
		out = append(out, old[bi*oldSeq*h:(bi+1)*oldSeq*h]...)
		out = append(out, row(bi)...)
	}
	return out
}

// Generate greedily extends a single unpadded prompt by up to maxNew tokens,
// using the prefix pass once and the decode cache afterwards.
func (m *Model) Generate(prompt []int, maxNew int) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("backbone: empty prompt")
	}

	mask := make([]float32, len(prompt))
	for i := range mask {
		mask[i] = 1
	}
	out := m.Logits(prompt, mask, 1, len(prompt), ForwardOptions{Causal: true, UseCache: true})

	seq := append([]int(nil), prompt...)
	next := argmaxRow(out.Logits, len(prompt)-1)
	seq = append(seq, next)

	for i := 1; i < maxNew; i++ {
		logits, err := m.Decode(out.PastKeyValues, []int{next})
		if err != nil {
			return nil, err
		}
		next = argmaxRow(logits, 0)
		seq = append(seq, next)
	}
	return seq, nil
}

func argmaxRow(t device.Tensor, row int) int {
	_, c := t.Dims()
	best, arg := t.At(row, 0), 0
	for j := 1; j < c; j++ {
		if v := t.At(row, j); v > best {
			best, arg = v, j
		}
	}
	return arg
}

// buildCache captures post-RoPE keys and values for a causal prefix pass.
// mask zeros are kept as rows so cached positions stay addressable; decode
// prefixes are expected to be unpadded.
func (m *Model) buildCache(batch, seq int) *KVCache {
	return &KVCache{
		batch:  batch,
		seq:    seq,
		hidden: m.cfg.HiddenSize,
		keys:   make([][]float32, len(m.layers)),
		values: make([][]float32, len(m.layers)),
	}
}
