package genclm

import (
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/simd"
)

// IgnoreIndex marks label positions excluded from the generation loss.
const IgnoreIndex = -100

// LossType selects how generation labels are scored.
type LossType string

const (
	// LossSFT is the plain unweighted next-token loss.
	LossSFT LossType = "sft"
	// LossMixed applies the batch's per-token weight mask.
	LossMixed LossType = "mixed"
)

// ParseLossType validates a config string.
func ParseLossType(s string) (LossType, error) {
	switch LossType(s) {
	case LossSFT, LossMixed:
		return LossType(s), nil
	default:
		return "", fmt.Errorf("genclm: unknown loss type %q", s)
	}
}

// NextTokenLoss scores causal-LM logits against labels shifted by one
// position: position t predicts the label at t+1, per sequence. Positions
// whose target label is IgnoreIndex contribute neither to the sum nor to the
// denominator. A non-nil weights slice scales each token's loss by the
// weight at the target position and the reduction becomes a weighted mean.
//
// Logits are flattened (batch*seq, vocab); labels and weights have batch*seq
// entries. A batch where every target is ignored yields zero loss.
func NextTokenLoss(logits device.Tensor, labels []int, weights []float32, batch, seq int) (float32, error) {
	rows, vocab := logits.Dims()
	if rows != batch*seq {
		return 0, fmt.Errorf("genclm: logit rows %d do not match batch %d x seq %d", rows, batch, seq)
	}
	if len(labels) != batch*seq {
		return 0, fmt.Errorf("genclm: label length %d does not match batch %d x seq %d", len(labels), batch, seq)
	}
	if weights != nil && len(weights) != batch*seq {
		return 0, fmt.Errorf("genclm: weight mask length %d does not match batch %d x seq %d", len(weights), batch, seq)
	}

	data := logits.Data()
	if data == nil {
		data = logits.ToHost()
	}

	var sum, wsum float64
	for b := 0; b < batch; b++ {
		for t := 0; t < seq-1; t++ {
			tgt := b*seq + t + 1
			lbl := labels[tgt]
			if lbl == IgnoreIndex {
				continue
			}
			if lbl < 0 || lbl >= vocab {
				return 0, fmt.Errorf("genclm: label %d out of vocabulary range at position %d", lbl, tgt)
			}

			row := data[(b*seq+t)*vocab : (b*seq+t+1)*vocab]
			tokenLoss := simd.LogSumExp(row) - float64(row[lbl])

			w := 1.0
			if weights != nil {
				w = float64(weights[tgt])
			}
			sum += w * tokenLoss
			wsum += w
		}
	}

	if wsum == 0 {
		return 0, nil
	}
	return float32(sum / wsum), nil
}
