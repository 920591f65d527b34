package trainer

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-bowyer/internal/cache"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

// EmbeddingStep runs a two-pass contrastive step over micro-batches. The
// first pass encodes each micro-batch and caches its pooled representations;
// the second pass feeds the concatenated cache back through the model as
// precomputed representations, so the contrastive loss sees every pair across
// the whole effective batch rather than only within one micro-batch.
func (t *Trainer) EmbeddingStep(ctx context.Context, micros []*genclm.Batch) (float32, error) {
	ctx, span := tracer.Start(ctx, "trainer.embedding_step")
	defer span.End()

	if len(micros) == 0 {
		return 0, fmt.Errorf("trainer: embedding step over zero micro-batches")
	}

	var rc *cache.RepCache
	for i, mb := range micros {
		if mb.GroupLabels == nil {
			return 0, fmt.Errorf("trainer: micro-batch %d has no group labels", i)
		}
		reps, err := t.model.Encode(ctx, mb)
		if err != nil {
			return 0, err
		}
		if rc == nil {
			_, dim := reps.Dims()
			rc = cache.NewRepCache(dim)
		}
		rc.Put(fmt.Sprintf("chunk-%d", i), reps.ToHost(), mb.GroupLabels)
	}

	concat, labels := rc.Concat()
	res, err := t.model.Forward(ctx, &genclm.Batch{
		IsEmb:       true,
		InputReps:   concat,
		GroupLabels: labels,
		UseMiner:    t.args.UseMiner,
	})
	if err != nil {
		return 0, err
	}
	if !res.EmbLoss.Valid {
		return 0, fmt.Errorf("trainer: embedding step produced no loss")
	}
	return res.EmbLoss.Value, nil
}

// splitBatch cuts a batch into micro-batches of at most size items each,
// slicing the flattened per-token fields and the per-item fields row-wise.
// The slices alias the parent batch's storage.
func splitBatch(batch *genclm.Batch, size int) []*genclm.Batch {
	var micros []*genclm.Batch
	for start := 0; start < batch.B; start += size {
		end := start + size
		if end > batch.B {
			end = batch.B
		}
		mb := &genclm.Batch{
			IDs:           batch.IDs[start*batch.N : end*batch.N],
			AttentionMask: batch.AttentionMask[start*batch.N : end*batch.N],
			B:             end - start,
			N:             batch.N,
			IsEmb:         true,
		}
		if batch.PromptLengths != nil {
			mb.PromptLengths = batch.PromptLengths[start:end]
		}
		if batch.GroupLabels != nil {
			mb.GroupLabels = batch.GroupLabels[start:end]
		}
		micros = append(micros, mb)
	}
	return micros
}
