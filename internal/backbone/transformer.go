package backbone

import (
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

// Model is a pre-LayerNorm transformer decoder with rotary position
// embeddings and a weight-tied LM head. Attention direction is chosen per
// call so the same weights serve both generation (causal) and embedding
// (bidirectional) passes.
type Model struct {
	cfg     Config
	backend device.Backend

	tokenEmb device.Tensor // (vocab, hidden), also the LM head via tying
	layers   []*layer
	finalLN  *layerNorm

	adapters map[string]bool
}

type layer struct {
	attnNorm *layerNorm
	qProj    *Linear
	kProj    *Linear
	vProj    *Linear
	oProj    *Linear

	mlpNorm *layerNorm
	up      *Linear
	down    *Linear
}

type layerNorm struct {
	gamma []float32
	beta  []float32
	eps   float32
}

func newLayerNorm(dim int, eps float32) *layerNorm {
	ln := &layerNorm{gamma: make([]float32, dim), beta: make([]float32, dim), eps: eps}
	for i := range ln.gamma {
		ln.gamma[i] = 1
	}
	return ln
}

func (ln *layerNorm) apply(t device.Tensor) {
	t.LayerNorm(ln.gamma, ln.beta, ln.eps)
}

func xavierInit(t device.Tensor) {
	r, c := t.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	rng := rand.New(rand.NewSource(int64(r)*31 + int64(c)))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Set(i, j, float32((rng.Float64()*2-1)*limit))
		}
	}
}

// New builds a model with randomly initialized weights stored in the
// backend's dtype. Load a checkpoint afterwards to replace them.
func New(cfg Config, backend device.Backend) *Model {
	m := &Model{
		cfg:      cfg,
		backend:  backend,
		tokenEmb: backend.NewTensor(cfg.VocabSize, cfg.HiddenSize, nil),
		finalLN:  newLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
		adapters: make(map[string]bool),
	}
	xavierInit(m.tokenEmb)

	for i := 0; i < cfg.NumLayers; i++ {
		m.layers = append(m.layers, &layer{
			attnNorm: newLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
			qProj:    newLinear(backend, cfg.HiddenSize, cfg.HiddenSize, false),
			kProj:    newLinear(backend, cfg.HiddenSize, cfg.HiddenSize, false),
			vProj:    newLinear(backend, cfg.HiddenSize, cfg.HiddenSize, false),
			oProj:    newLinear(backend, cfg.HiddenSize, cfg.HiddenSize, false),
			mlpNorm:  newLayerNorm(cfg.HiddenSize, cfg.LayerNormEps),
			up:       newLinear(backend, cfg.HiddenSize, cfg.IntermediateSize, true),
			down:     newLinear(backend, cfg.IntermediateSize, cfg.HiddenSize, true),
		})
	}

	log.Debug().
		Int("layers", cfg.NumLayers).
		Int("hidden", cfg.HiddenSize).
		Int("heads", cfg.NumHeads).
		Str("dtype", backend.DType().String()).
		Msg("backbone initialized")
	return m
}

func (m *Model) Config() Config          { return m.cfg }
func (m *Model) Backend() device.Backend { return m.backend }
func (m *Model) HiddenSize() int         { return m.cfg.HiddenSize }
func (m *Model) VocabSize() int          { return m.cfg.VocabSize }

func (m *Model) linears() []*Linear {
	ls := make([]*Linear, 0, len(m.layers)*6)
	for _, l := range m.layers {
		ls = append(ls, l.qProj, l.kProj, l.vProj, l.oProj, l.up, l.down)
	}
	return ls
}

// Output carries one forward pass. HiddenStates and Attentions are only
// populated when requested; Logits only by Logits(); PastKeyValues only with
// UseCache on a causal pass.
type Output struct {
	LastHidden    device.Tensor
	Logits        device.Tensor
	PastKeyValues *KVCache
	HiddenStates  []device.Tensor
	Attentions    []device.Tensor
}

// ForwardOptions controls a forward pass. ComputeDType is the dtype of the
// returned LastHidden; the zero value means float32.
type ForwardOptions struct {
	Causal             bool
	OutputHiddenStates bool
	OutputAttentions   bool
	// UseCache captures per-layer keys and values for incremental decoding.
	// Only meaningful on causal passes.
	UseCache     bool
	ComputeDType device.DType
}

// Forward runs ids of shape (batch*seq) with the given {0,1} attention mask
// through the stack. The returned LastHidden is an owned (batch*seq, hidden)
// tensor in the requested compute dtype; intermediate math is float32.
func (m *Model) Forward(ids []int, mask []float32, batch, seq int, opts ForwardOptions) *Output {
	start := time.Now()
	b := m.backend
	rows := batch * seq
	h := m.cfg.HiddenSize
	headDim := h / m.cfg.NumHeads

	emb := m.tokenEmb.Gather(ids)
	x := b.GetTensor(rows, h)
	x.Copy(emb)

	out := &Output{}
	if opts.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, snapshot(x))
	}
	if opts.UseCache && opts.Causal {
		out.PastKeyValues = m.buildCache(batch, seq)
	}

	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	for li, l := range m.layers {
		lay := time.Now()

		// Attention block, pre-norm with residual.
		normed := b.GetTensor(rows, h)
		normed.Copy(x)
		l.attnNorm.apply(normed)

		q := l.qProj.forward(b, normed)
		k := l.kProj.forward(b, normed)
		v := l.vProj.forward(b, normed)
		b.PutTensor(normed)

		q.ApplyRoPE(batch, seq, m.cfg.NumHeads, headDim)
		k.ApplyRoPE(batch, seq, m.cfg.NumHeads, headDim)

		if out.PastKeyValues != nil {
			out.PastKeyValues.keys[li] = k.ToHost()
			out.PastKeyValues.values[li] = v.ToHost()
		}

		attn := q.Attention(q, k, v, batch, seq, scale, opts.Causal, mask)
		b.PutTensor(q)
		b.PutTensor(k)
		b.PutTensor(v)

		if opts.OutputAttentions {
			out.Attentions = append(out.Attentions, snapshot(attn))
		}

		proj := l.oProj.forward(b, attn)
		b.PutTensor(attn)
		x.Add(proj)
		b.PutTensor(proj)

		// MLP block.
		normed = b.GetTensor(rows, h)
		normed.Copy(x)
		l.mlpNorm.apply(normed)

		hid := l.up.forward(b, normed)
		b.PutTensor(normed)
		hid.Gelu()

		down := l.down.forward(b, hid)
		b.PutTensor(hid)
		x.Add(down)
		b.PutTensor(down)

		if opts.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, snapshot(x))
		}

		layerDuration.WithLabelValues(layerLabel(li)).Observe(time.Since(lay).Seconds())
	}

	m.finalLN.apply(x)

	out.LastHidden = device.New(opts.ComputeDType, rows, h, x.ToHost())
	b.PutTensor(x)

	forwardDuration.Observe(time.Since(start).Seconds())
	return out
}

// Logits runs Forward and projects the final hidden states through the tied
// embedding table, yielding (batch*seq, vocab) float32 logits.
func (m *Model) Logits(ids []int, mask []float32, batch, seq int, opts ForwardOptions) *Output {
	out := m.Forward(ids, mask, batch, seq, opts)

	head := m.tokenEmb
	if head.DType() != device.Float32 {
		r, c := head.Dims()
		head = device.New(device.Float32, r, c, head.ToHost())
	}

	rows := batch * seq
	logits := device.New(device.Float32, rows, m.cfg.VocabSize, nil)
	logits.Mul(out.LastHidden, head.T())
	out.Logits = logits
	return out
}

// snapshot copies a scratch tensor into an owned float32 tensor so callers
// can hold it past PutTensor.
func snapshot(t device.Tensor) device.Tensor {
	r, c := t.Dims()
	return device.New(device.Float32, r, c, t.ToHost())
}
