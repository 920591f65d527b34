package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-bowyer/internal/backbone"
	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
	"github.com/23skdu/longbow-bowyer/internal/weights"
)

var tracer = otel.Tracer("bowyer/trainer")

// Checkpoint file names inside a run directory.
const (
	weightsFile = "model.bwyr"
	stateFile   = "state.cbor"
)

// Updater applies one optimization step to the backbone parameters. The
// trainer computes losses and the learning-rate schedule; mutating weights
// between forward calls is the updater's job.
type Updater interface {
	Update(step int, lr float64, loss float32) error
}

// StepResult reports one optimization step.
type StepResult struct {
	Step int
	LR   float64
	// Loss is the weighted combination of the per-path losses.
	Loss float32
	Gen  genclm.Scalar
	Emb  genclm.Scalar
}

// Trainer drives the dual-objective model over batches: per-step loss
// combination, the LR schedule, checkpointing, and resume.
type Trainer struct {
	args    *TrainingArgs
	bb      *backbone.Model
	model   *genclm.Model
	updater Updater
	sched   *LRScheduler

	step     int
	epoch    int
	bestLoss float64
}

// New wires a trainer around a backbone. The args must already have passed
// ValidateAndCorrect. Adapter slots named by the args are created on the
// backbone if they do not exist yet.
func New(args *TrainingArgs, bb *backbone.Model, updater Updater) (*Trainer, error) {
	prec, err := device.ParsePrecision(args.Precision)
	if err != nil {
		return nil, err
	}

	if args.LoraRank > 0 {
		ensureAdapter(bb, args.GenAdapter, args.LoraRank, args.LoraAlpha)
		ensureAdapter(bb, args.EmbAdapter, args.LoraRank, args.LoraAlpha)
	}

	genAdapter, embAdapter := args.GenAdapter, args.EmbAdapter
	if args.LoraRank == 0 {
		genAdapter, embAdapter = "", ""
	}

	model, err := genclm.NewModel(bb, genclm.Options{
		Pooling:          genclm.Method(args.Pooling),
		NormalizeReps:    args.NormalizeReps,
		BidirectionalEmb: args.BidirectionalEmb,
		LossType:         genclm.LossType(args.LossType),
		GenAdapter:       genAdapter,
		EmbAdapter:       embAdapter,
		ComputeDType:     prec.Compute,
	})
	if err != nil {
		return nil, err
	}

	return &Trainer{
		args:     args,
		bb:       bb,
		model:    model,
		updater:  updater,
		sched:    NewLRScheduler(args.LearningRate, args.MaxSteps),
		bestLoss: 0,
	}, nil
}

func ensureAdapter(bb *backbone.Model, name string, rank int, alpha float32) {
	for _, n := range bb.AdapterNames() {
		if n == name {
			return
		}
	}
	bb.AddAdapter(name, rank, alpha)
}

// Model exposes the wrapped dual-objective model for evaluation and encoding.
func (t *Trainer) Model() *genclm.Model { return t.model }

// Backbone exposes the underlying transformer, for decoding and export.
func (t *Trainer) Backbone() *backbone.Model { return t.bb }

// StepCount reports the number of optimization steps taken so far.
func (t *Trainer) StepCount() int { return t.step }

// Step runs one batch through the paths the training mode selects, combines
// the losses, and hands the result to the updater.
func (t *Trainer) Step(ctx context.Context, batch *genclm.Batch) (*StepResult, error) {
	ctx, span := tracer.Start(ctx, "trainer.step", trace.WithAttributes(
		attribute.Int("step", t.step),
		attribute.String("mode", t.args.Mode),
	))
	defer span.End()

	batch.IsGen = t.args.Mode == ModeSFT || t.args.Mode == ModeJoint
	batch.IsEmb = t.args.Mode == ModeEmb || t.args.Mode == ModeJoint
	batch.UseMiner = t.args.UseMiner

	var gen, emb genclm.Scalar
	if batch.IsEmb && batch.GroupLabels != nil && t.args.MicroBatchSize < batch.B {
		// Oversized batches take the two-pass route: the embedding loss is
		// computed over micro-batch representations cached in pass one,
		// while the generation path still sees the whole batch.
		if batch.IsGen {
			gb := *batch
			gb.IsEmb = false
			res, err := t.model.Forward(ctx, &gb)
			if err != nil {
				return nil, err
			}
			gen = res.GenLoss
		}
		embLoss, err := t.EmbeddingStep(ctx, splitBatch(batch, t.args.MicroBatchSize))
		if err != nil {
			return nil, err
		}
		emb = genclm.Scalar{Value: embLoss, Valid: true}
	} else {
		res, err := t.model.Forward(ctx, batch)
		if err != nil {
			return nil, err
		}
		gen, emb = res.GenLoss, res.EmbLoss
	}

	var loss float64
	if gen.Valid {
		loss += t.args.GenLossWeight * float64(gen.Value)
	}
	if emb.Valid {
		loss += t.args.EmbLossWeight * float64(emb.Value)
	}

	lr := t.sched.At(t.step)
	if err := t.updater.Update(t.step, lr, float32(loss)); err != nil {
		return nil, fmt.Errorf("trainer: updater at step %d: %w", t.step, err)
	}

	sr := &StepResult{
		Step: t.step,
		LR:   lr,
		Loss: float32(loss),
		Gen:  gen,
		Emb:  emb,
	}
	t.step++

	stepsTotal.WithLabelValues(t.args.Mode).Inc()
	stepLoss.Observe(loss)
	learningRate.Set(lr)
	if t.bestLoss == 0 || loss < t.bestLoss {
		t.bestLoss = loss
	}
	return sr, nil
}

// Fit iterates the batches for the configured number of epochs, stopping at
// MaxSteps. Checkpoints are written every SaveEvery steps and at the end when
// a checkpoint directory is configured.
func (t *Trainer) Fit(ctx context.Context, batches []*genclm.Batch) error {
	if len(batches) == 0 {
		return fmt.Errorf("trainer: no batches to fit")
	}

	for ; t.epoch < t.args.Epochs; t.epoch++ {
		for _, batch := range batches {
			if t.step >= t.args.MaxSteps {
				return t.finish()
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			sr, err := t.Step(ctx, batch)
			if err != nil {
				return err
			}

			if sr.Step%t.args.LogEvery == 0 {
				log.Info().
					Int("step", sr.Step).
					Int("epoch", t.epoch).
					Float64("lr", sr.LR).
					Float32("loss", sr.Loss).
					Msg("train step")
			}
			if t.args.SaveEvery > 0 && t.args.CheckpointDir != "" && (sr.Step+1)%t.args.SaveEvery == 0 {
				if err := t.Checkpoint(t.args.CheckpointDir); err != nil {
					return err
				}
			}
		}
	}
	return t.finish()
}

func (t *Trainer) finish() error {
	if t.args.CheckpointDir == "" {
		return nil
	}
	return t.Checkpoint(t.args.CheckpointDir)
}

// Checkpoint writes the backbone weights, every adapter overlay, and the
// resumable train state into dir, creating it if needed.
func (t *Trainer) Checkpoint(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trainer: checkpoint dir: %w", err)
	}
	sd := t.bb.StateDict()
	for _, name := range t.bb.AdapterNames() {
		asd, err := t.bb.AdapterStateDict(name)
		if err != nil {
			return err
		}
		for k, v := range asd {
			sd["adapters."+name+"."+k] = v
		}
	}
	if err := weights.Save(filepath.Join(dir, weightsFile), sd); err != nil {
		return err
	}
	st := &weights.TrainState{
		Step:      t.step,
		Epoch:     t.epoch,
		LR:        t.sched.At(t.step),
		Mode:      t.args.Mode,
		BestLoss:  t.bestLoss,
		SavedAt:   time.Now().UTC(),
		Adapters:  t.bb.AdapterNames(),
		Precision: t.args.Precision,
	}
	if err := weights.SaveState(filepath.Join(dir, stateFile), st); err != nil {
		return err
	}
	checkpointsSaved.Inc()
	log.Info().Str("dir", dir).Int("step", t.step).Msg("checkpoint saved")
	return nil
}

// Resume restores weights and training position from a checkpoint directory.
// Adapter slots named in the checkpoint must already exist on the backbone
// with matching rank.
func (t *Trainer) Resume(dir string) error {
	sd, err := weights.Load(filepath.Join(dir, weightsFile))
	if err != nil {
		return err
	}
	base, adapters := splitAdapterEntries(sd)
	if err := t.bb.LoadStateDict(base); err != nil {
		return err
	}
	for name, asd := range adapters {
		if err := t.bb.LoadAdapterStateDict(name, asd); err != nil {
			return err
		}
	}
	st, err := weights.LoadState(filepath.Join(dir, stateFile))
	if err != nil {
		return err
	}
	if st.Mode != t.args.Mode {
		return fmt.Errorf("trainer: checkpoint mode %q does not match configured %q", st.Mode, t.args.Mode)
	}
	t.step = st.Step
	t.epoch = st.Epoch
	t.bestLoss = st.BestLoss
	log.Info().Str("dir", dir).Int("step", t.step).Msg("resumed from checkpoint")
	return nil
}

// splitAdapterEntries separates "adapters.<name>.<key>" entries from the base
// parameters of a combined checkpoint dict.
func splitAdapterEntries(sd map[string][]float32) (map[string][]float32, map[string]map[string][]float32) {
	base := make(map[string][]float32)
	adapters := make(map[string]map[string][]float32)
	for k, v := range sd {
		rest, ok := strings.CutPrefix(k, "adapters.")
		if !ok {
			base[k] = v
			continue
		}
		name, key, ok := strings.Cut(rest, ".")
		if !ok {
			base[k] = v
			continue
		}
		if adapters[name] == nil {
			adapters[name] = make(map[string][]float32)
		}
		adapters[name][key] = v
	}
	return base, adapters
}

// ExportAdapter writes only the named adapter's overlay matrices to path.
func (t *Trainer) ExportAdapter(name, path string) error {
	asd, err := t.bb.AdapterStateDict(name)
	if err != nil {
		return err
	}
	return weights.Save(path, asd)
}

// MergeAndExport folds a named adapter into the base weights and writes the
// merged state dict to path.
func (t *Trainer) MergeAndExport(name, path string) error {
	if err := t.bb.MergeAdapter(name); err != nil {
		return err
	}
	return weights.Save(path, t.bb.StateDict())
}
