package genclm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-bowyer/internal/backbone"
	"github.com/23skdu/longbow-bowyer/internal/device"
)

var tracer = otel.Tracer("bowyer/genclm")

// Backbone is the capability the dual-objective model needs from the
// transformer: a hidden-state pass, a logits pass, and adapter selection.
type Backbone interface {
	Forward(ids []int, mask []float32, batch, seq int, opts backbone.ForwardOptions) *backbone.Output
	Logits(ids []int, mask []float32, batch, seq int, opts backbone.ForwardOptions) *backbone.Output
	SetActiveAdapter(name string) error
}

// Options fixes the model-level policy at construction time. Per-call
// behavior is carried by the Batch.
type Options struct {
	Pooling       Method
	NormalizeReps bool
	// RecastReps stores pooled representations back in the hidden-state
	// dtype instead of float32.
	RecastReps bool
	// BidirectionalEmb runs the embedding pass without the causal mask.
	// Generation is causal regardless.
	BidirectionalEmb bool
	LossType         LossType

	// GenAdapter and EmbAdapter name the overlay activated before each
	// path. They may name the same adapter. Empty means base weights.
	GenAdapter string
	EmbAdapter string

	// ComputeDType is the dtype of backbone hidden states handed to the
	// pooling engine. Zero value means float32.
	ComputeDType device.DType

	Contrastive *ContrastiveLoss
}

// Batch is one forward call's worth of input. IDs and AttentionMask are
// flattened (B, N) row-major; Labels and LossWeightMask match that layout.
// PromptLengths and GroupLabels have one entry per batch item.
type Batch struct {
	IDs           []int
	AttentionMask []float32
	B, N          int

	Labels         []int
	LossWeightMask []float32
	PromptLengths  []int
	GroupLabels    []int

	IsGen bool
	IsEmb bool

	// UseMiner pre-filters the contrastive pair set to hard pairs for this
	// call. The miner itself is configured on Options.Contrastive.
	UseMiner bool

	// InputReps, when set, bypass the backbone on the embedding path and
	// are used as the pooled representations directly.
	InputReps device.Tensor

	OutputHiddenStates bool
	OutputAttentions   bool
	UseCache           bool
}

// Scalar is an optional float: Valid distinguishes "computed as zero" from
// "not requested".
type Scalar struct {
	Value float32
	Valid bool
}

func scalarOf(v float32) Scalar { return Scalar{Value: v, Valid: true} }

// Result aggregates the outputs of one forward call. Tensor fields are nil
// when the producing path did not run; loss fields carry explicit presence.
type Result struct {
	GenLoss Scalar
	Logits  device.Tensor
	// PastKeyValues is the opaque incremental-decoding cache, present only
	// when the generation path ran with UseCache.
	PastKeyValues *backbone.KVCache
	HiddenStates  []device.Tensor
	Attentions    []device.Tensor

	EmbLoss Scalar
	Reps    device.Tensor
}

// Model dispatches one backbone to a generation path, an embedding path, or
// both. It holds no per-call state; adapters and weights are mutated only by
// the external optimizer between calls.
type Model struct {
	bb   Backbone
	opts Options
}

// NewModel wires a backbone behind the dual-objective head. The pooling
// method and loss type must already be validated.
func NewModel(bb Backbone, opts Options) (*Model, error) {
	if _, err := ParseMethod(string(opts.Pooling)); err != nil {
		return nil, err
	}
	if _, err := ParseLossType(string(opts.LossType)); err != nil {
		return nil, err
	}
	if opts.Contrastive == nil {
		opts.Contrastive = NewContrastiveLoss()
	}
	return &Model{bb: bb, opts: opts}, nil
}

func (m *Model) Options() Options { return m.opts }

// Forward runs the requested paths over one batch. With neither task flag
// set it returns an all-absent Result and no error.
func (m *Model) Forward(ctx context.Context, batch *Batch) (*Result, error) {
	ctx, span := tracer.Start(ctx, "genclm.Forward", trace.WithAttributes(
		attribute.Bool("is_gen", batch.IsGen),
		attribute.Bool("is_emb", batch.IsEmb),
		attribute.Int("batch", batch.B),
		attribute.Int("seq", batch.N),
	))
	defer span.End()

	res := &Result{}

	if batch.IsGen {
		if err := m.generationPath(ctx, batch, res); err != nil {
			return nil, err
		}
	}
	if batch.IsEmb {
		if err := m.embeddingPath(ctx, batch, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (m *Model) generationPath(ctx context.Context, batch *Batch, res *Result) error {
	_, span := tracer.Start(ctx, "genclm.generation")
	defer span.End()

	if err := m.bb.SetActiveAdapter(m.opts.GenAdapter); err != nil {
		return err
	}

	out := m.bb.Logits(batch.IDs, batch.AttentionMask, batch.B, batch.N, backbone.ForwardOptions{
		Causal:             true,
		OutputHiddenStates: batch.OutputHiddenStates,
		OutputAttentions:   batch.OutputAttentions,
		UseCache:           batch.UseCache,
		ComputeDType:       m.opts.ComputeDType,
	})
	res.Logits = out.Logits
	res.PastKeyValues = out.PastKeyValues
	res.HiddenStates = out.HiddenStates
	res.Attentions = out.Attentions

	if batch.Labels == nil {
		return nil
	}

	var weights []float32
	if m.opts.LossType == LossMixed {
		weights = batch.LossWeightMask
	}
	loss, err := NextTokenLoss(out.Logits, batch.Labels, weights, batch.B, batch.N)
	if err != nil {
		return err
	}
	res.GenLoss = scalarOf(loss)
	genLossObserved.Observe(float64(loss))
	return nil
}

func (m *Model) embeddingPath(ctx context.Context, batch *Batch, res *Result) error {
	_, span := tracer.Start(ctx, "genclm.embedding")
	defer span.End()

	reps := batch.InputReps
	if reps == nil {
		var err error
		reps, err = m.encode(batch)
		if err != nil {
			return err
		}
	}
	res.Reps = reps

	if batch.GroupLabels == nil {
		return nil
	}

	loss, err := m.opts.Contrastive.Loss(reps, batch.GroupLabels, batch.UseMiner)
	if err != nil {
		return err
	}
	res.EmbLoss = scalarOf(loss)
	embLossObserved.Observe(float64(loss))
	return nil
}

// encode runs the backbone and pooling engine for the embedding path. The
// backbone sees the original attention mask; pooling sees the prompt-masked
// one.
func (m *Model) encode(batch *Batch) (device.Tensor, error) {
	poolMask, err := promptMask(batch.AttentionMask, batch.PromptLengths, batch.B, batch.N)
	if err != nil {
		return nil, err
	}

	if err := m.bb.SetActiveAdapter(m.opts.EmbAdapter); err != nil {
		return nil, err
	}

	out := m.bb.Forward(batch.IDs, batch.AttentionMask, batch.B, batch.N, backbone.ForwardOptions{
		Causal:       !m.opts.BidirectionalEmb,
		ComputeDType: m.opts.ComputeDType,
	})

	reps, err := Pool(out.LastHidden, poolMask, batch.B, batch.N, m.opts.Pooling, m.opts.RecastReps)
	if err != nil {
		return nil, err
	}
	if m.opts.NormalizeReps {
		reps.L2NormalizeRows()
	}
	return reps, nil
}

// Encode pools one batch into representations without computing any loss,
// for inference and for representation caching.
func (m *Model) Encode(ctx context.Context, batch *Batch) (device.Tensor, error) {
	_, span := tracer.Start(ctx, "genclm.Encode")
	defer span.End()
	return m.encode(batch)
}

// promptMask returns a pooling mask with the first promptLengths[i] positions
// of item i zeroed. Every item must keep at least one active position.
func promptMask(mask []float32, promptLengths []int, batch, seq int) ([]float32, error) {
	out := make([]float32, len(mask))
	copy(out, mask)

	if promptLengths != nil && len(promptLengths) != batch {
		return nil, fmt.Errorf("genclm: prompt lengths %d do not match batch %d", len(promptLengths), batch)
	}

	for b := 0; b < batch; b++ {
		pl := 0
		if promptLengths != nil {
			pl = promptLengths[b]
			if pl > seq {
				pl = seq
			}
			for t := 0; t < pl; t++ {
				out[b*seq+t] = 0
			}
		}

		active := false
		for t := 0; t < seq; t++ {
			if out[b*seq+t] != 0 {
				active = true
				break
			}
		}
		if !active {
			return nil, &AllMaskedError{Item: b, PromptLength: pl}
		}
	}
	return out, nil
}
