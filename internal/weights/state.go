package weights

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// TrainState is the resumable position of a training run, saved beside the
// tensor checkpoint.
type TrainState struct {
	Step      int       `cbor:"step"`
	Epoch     int       `cbor:"epoch"`
	LR        float64   `cbor:"lr"`
	Mode      string    `cbor:"mode"`
	BestLoss  float64   `cbor:"best_loss"`
	SavedAt   time.Time `cbor:"saved_at"`
	Adapters  []string  `cbor:"adapters"`
	Precision string    `cbor:"precision"`
}

// SaveState writes the train state as CBOR.
func SaveState(path string, st *TrainState) error {
	data, err := cbor.Marshal(st)
	if err != nil {
		return fmt.Errorf("weights: encoding train state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadState reads a CBOR train state.
func LoadState(path string) (*TrainState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st TrainState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("weights: decoding train state: %w", err)
	}
	return &st, nil
}
