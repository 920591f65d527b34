package data

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

// Example is one training item before batching. Prompt tokens condition the
// model; Target tokens are what generation learns to produce. GroupLabel ties
// related items together for the contrastive objective; TargetWeight scales
// the target tokens under the mixed loss type.
type Example struct {
	Prompt       string
	Target       string
	GroupLabel   int
	TargetWeight float32
}

// Assembler turns tokenized examples into model batches: padding, attention
// masks, shifted-loss labels with the prompt ignored, prompt lengths for
// pooling, and group labels.
type Assembler struct {
	tok    Tokenizer
	maxSeq int
}

func NewAssembler(tok Tokenizer, maxSeq int) *Assembler {
	return &Assembler{tok: tok, maxSeq: maxSeq}
}

// Build assembles one batch. Sequences are laid out as
// [BOS] prompt target [EOS] with right padding to the longest item; labels
// carry the ignore sentinel over [BOS], the prompt, and padding so only
// target tokens (and [EOS]) are scored. Every item's prompt leaves at least
// one poolable position because [EOS] always follows it.
func (a *Assembler) Build(examples []*Example, isGen, isEmb bool) (*genclm.Batch, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("data: empty batch")
	}

	type encoded struct {
		ids       []int
		promptLen int // [BOS] plus prompt tokens
		weight    float32
	}

	encs := make([]encoded, len(examples))
	maxLen := 0
	for i, ex := range examples {
		prompt := a.tok.Encode(ex.Prompt)
		target := a.tok.Encode(ex.Target)

		ids := make([]int, 0, len(prompt)+len(target)+2)
		ids = append(ids, BosID)
		ids = append(ids, prompt...)
		ids = append(ids, target...)
		ids = append(ids, EosID)
		if len(ids) > a.maxSeq {
			ids = ids[:a.maxSeq]
		}

		promptLen := 1 + len(prompt)
		if promptLen >= len(ids) {
			// Truncation ate the target; keep the last position scorable
			// and poolable.
			promptLen = len(ids) - 1
		}

		w := ex.TargetWeight
		if w == 0 {
			w = 1
		}
		encs[i] = encoded{ids: ids, promptLen: promptLen, weight: w}
		if len(ids) > maxLen {
			maxLen = len(ids)
		}
	}

	b := len(examples)
	batch := &genclm.Batch{
		IDs:            make([]int, b*maxLen),
		AttentionMask:  make([]float32, b*maxLen),
		Labels:         make([]int, b*maxLen),
		LossWeightMask: make([]float32, b*maxLen),
		PromptLengths:  make([]int, b),
		GroupLabels:    make([]int, b),
		B:              b,
		N:              maxLen,
		IsGen:          isGen,
		IsEmb:          isEmb,
	}

	for i, enc := range encs {
		off := i * maxLen
		for t := 0; t < maxLen; t++ {
			if t < len(enc.ids) {
				batch.IDs[off+t] = enc.ids[t]
				batch.AttentionMask[off+t] = 1
				if t < enc.promptLen {
					batch.Labels[off+t] = genclm.IgnoreIndex
				} else {
					batch.Labels[off+t] = enc.ids[t]
					batch.LossWeightMask[off+t] = enc.weight
				}
			} else {
				batch.IDs[off+t] = PadID
				batch.Labels[off+t] = genclm.IgnoreIndex
			}
		}
		batch.PromptLengths[i] = enc.promptLen
		batch.GroupLabels[i] = examples[i].GroupLabel
	}

	if !isGen {
		batch.Labels = nil
		batch.LossWeightMask = nil
	}
	if !isEmb {
		batch.PromptLengths = nil
		batch.GroupLabels = nil
	}
	return batch, nil
}
