package trainer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/distrib"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

// Training modes.
const (
	ModeSFT   = "sft"
	ModeEmb   = "emb"
	ModeJoint = "joint"
)

// TrainingArgs is the run configuration as read from YAML. Zero values are
// filled in by ValidateAndCorrect; the corrected form is what a run actually
// uses and what Save persists.
type TrainingArgs struct {
	Mode      string `yaml:"mode"`
	Precision string `yaml:"precision"`
	Pooling   string `yaml:"pooling"`
	LossType  string `yaml:"loss_type"`
	Sharding  string `yaml:"sharding"`

	GenAdapter string  `yaml:"gen_adapter"`
	EmbAdapter string  `yaml:"emb_adapter"`
	LoraRank   int     `yaml:"lora_rank"`
	LoraAlpha  float32 `yaml:"lora_alpha"`

	MaxSteps       int     `yaml:"max_steps"`
	Epochs         int     `yaml:"epochs"`
	BatchSize      int     `yaml:"batch_size"`
	MicroBatchSize int     `yaml:"micro_batch_size"`
	LearningRate   float64 `yaml:"learning_rate"`

	GenLossWeight float64 `yaml:"gen_loss_weight"`
	EmbLossWeight float64 `yaml:"emb_loss_weight"`

	UseMiner         bool `yaml:"use_miner"`
	NormalizeReps    bool `yaml:"normalize_reps"`
	BidirectionalEmb bool `yaml:"bidirectional_emb"`

	CheckpointDir string `yaml:"checkpoint_dir"`
	SaveEvery     int    `yaml:"save_every"`
	LogEvery      int    `yaml:"log_every"`
}

// DefaultArgs returns a joint-mode configuration that ValidateAndCorrect
// accepts unchanged.
func DefaultArgs() *TrainingArgs {
	return &TrainingArgs{
		Mode:           ModeJoint,
		Precision:      "32",
		Pooling:        string(genclm.PoolMean),
		LossType:       string(genclm.LossSFT),
		Sharding:       string(distrib.ShardDDP),
		LoraRank:       8,
		LoraAlpha:      16,
		MaxSteps:       100,
		Epochs:         1,
		BatchSize:      8,
		MicroBatchSize: 8,
		LearningRate:   1e-4,
		GenLossWeight:  1,
		EmbLossWeight:  1,
		LogEvery:       10,
	}
}

// ValidateAndCorrect checks the enumerated fields, fills defaults, and
// reconciles the adapter names: a missing generation adapter name falls back
// to the embedding one and vice versa, and when both are missing they share
// the name "default". It returns the list of corrections applied.
func (a *TrainingArgs) ValidateAndCorrect() ([]string, error) {
	var corrections []string

	switch a.Mode {
	case ModeSFT, ModeEmb, ModeJoint:
	case "":
		a.Mode = ModeJoint
		corrections = append(corrections, "mode defaulted to joint")
	default:
		return nil, fmt.Errorf("trainer: unknown mode %q", a.Mode)
	}

	if a.Precision == "" {
		a.Precision = "32"
		corrections = append(corrections, "precision defaulted to 32")
	}
	if _, err := device.ParsePrecision(a.Precision); err != nil {
		return nil, err
	}

	if a.Pooling == "" {
		a.Pooling = string(genclm.PoolMean)
		corrections = append(corrections, "pooling defaulted to mean")
	}
	if _, err := genclm.ParseMethod(a.Pooling); err != nil {
		return nil, err
	}

	if a.LossType == "" {
		a.LossType = string(genclm.LossSFT)
		corrections = append(corrections, "loss_type defaulted to sft")
	}
	if _, err := genclm.ParseLossType(a.LossType); err != nil {
		return nil, err
	}

	if a.Sharding == "" {
		a.Sharding = string(distrib.ShardDDP)
		corrections = append(corrections, "sharding defaulted to ddp")
	}
	if _, err := distrib.ParseSharding(a.Sharding); err != nil {
		return nil, err
	}

	switch {
	case a.GenAdapter == "" && a.EmbAdapter == "":
		a.GenAdapter, a.EmbAdapter = "default", "default"
		corrections = append(corrections, "adapter names defaulted to default")
	case a.GenAdapter == "":
		a.GenAdapter = a.EmbAdapter
		corrections = append(corrections, "gen_adapter defaulted to emb_adapter")
	case a.EmbAdapter == "":
		a.EmbAdapter = a.GenAdapter
		corrections = append(corrections, "emb_adapter defaulted to gen_adapter")
	}

	if a.LoraRank < 0 {
		return nil, fmt.Errorf("trainer: lora_rank %d must be >= 0", a.LoraRank)
	}
	if a.LoraRank > 0 && a.LoraAlpha == 0 {
		a.LoraAlpha = float32(2 * a.LoraRank)
		corrections = append(corrections, "lora_alpha defaulted to 2*lora_rank")
	}

	if a.MaxSteps <= 0 {
		return nil, fmt.Errorf("trainer: max_steps %d must be positive", a.MaxSteps)
	}
	if a.Epochs <= 0 {
		a.Epochs = 1
		corrections = append(corrections, "epochs defaulted to 1")
	}
	if a.BatchSize <= 0 {
		return nil, fmt.Errorf("trainer: batch_size %d must be positive", a.BatchSize)
	}
	if a.MicroBatchSize == 0 {
		a.MicroBatchSize = a.BatchSize
		corrections = append(corrections, "micro_batch_size defaulted to batch_size")
	}
	if a.MicroBatchSize <= 0 || a.BatchSize%a.MicroBatchSize != 0 {
		return nil, fmt.Errorf("trainer: batch_size %d not divisible by micro_batch_size %d",
			a.BatchSize, a.MicroBatchSize)
	}

	if a.LearningRate <= 0 {
		a.LearningRate = 1e-4
		corrections = append(corrections, "learning_rate defaulted to 1e-4")
	}
	if a.GenLossWeight == 0 && a.Mode != ModeEmb {
		a.GenLossWeight = 1
		corrections = append(corrections, "gen_loss_weight defaulted to 1")
	}
	if a.EmbLossWeight == 0 && a.Mode != ModeSFT {
		a.EmbLossWeight = 1
		corrections = append(corrections, "emb_loss_weight defaulted to 1")
	}
	if a.LogEvery <= 0 {
		a.LogEvery = 10
		corrections = append(corrections, "log_every defaulted to 10")
	}

	return corrections, nil
}

// LoadArgs reads a YAML config file.
func LoadArgs(path string) (*TrainingArgs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a TrainingArgs
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("trainer: parsing config %s: %w", path, err)
	}
	return &a, nil
}

// Save writes the (corrected) configuration back as YAML so the run directory
// records the exact settings used.
func (a *TrainingArgs) Save(path string) error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("trainer: encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
