package weights

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/backbone"
	"github.com/23skdu/longbow-bowyer/internal/device"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bwyr")
	sd := map[string][]float32{
		"token_embedding":   {1, 2, 3, 4},
		"layers.0.attn.q":   {0.5, -0.5},
		"final_norm.gamma":  {1, 1, 1},
		"layers.0.mlp.down": {},
	}

	require.NoError(t, Save(path, sd))
	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, len(sd))
	for name, want := range sd {
		require.InDeltaSlice(t, want, got[name], 0, "tensor %s", name)
	}
}

func TestLoadRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a checkpoint"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestBackboneCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bwyr")

	m1 := backbone.New(backbone.DefaultTinyConfig(), device.NewCPUBackend())
	require.NoError(t, Save(path, m1.StateDict()))

	m2 := backbone.New(backbone.DefaultTinyConfig(), device.NewCPUBackend())
	sd, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, m2.LoadStateDict(sd))

	ids := []int{9, 8, 7}
	mask := []float32{1, 1, 1}
	a := m1.Forward(ids, mask, 1, 3, backbone.ForwardOptions{}).LastHidden.ToHost()
	b := m2.Forward(ids, mask, 1, 3, backbone.ForwardOptions{}).LastHidden.ToHost()
	require.InDeltaSlice(t, a, b, 1e-6)
}

func TestAdapterOnlyFilter(t *testing.T) {
	m := backbone.New(backbone.DefaultTinyConfig(), device.NewCPUBackend())
	m.AddAdapter("emb", 2, 4)

	full, err := m.AdapterStateDict("emb")
	require.NoError(t, err)
	mixed := m.StateDict()
	for k, v := range full {
		mixed[k] = v
	}

	filtered := AdapterOnly(mixed)
	require.Len(t, filtered, len(full))
	for name := range filtered {
		require.Contains(t, name, ".lora_")
	}

	// Adapter-only checkpoints restore into a fresh adapter slot.
	path := filepath.Join(t.TempDir(), "adapter.bwyr")
	require.NoError(t, Save(path, filtered))
	loaded, err := Load(path)
	require.NoError(t, err)

	m2 := backbone.New(backbone.DefaultTinyConfig(), device.NewCPUBackend())
	m2.AddAdapter("emb", 2, 4)
	require.NoError(t, m2.LoadAdapterStateDict("emb", loaded))
}

func TestTrainStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	st := &TrainState{
		Step:      1200,
		Epoch:     2,
		LR:        1.7e-5,
		Mode:      "joint",
		BestLoss:  0.42,
		SavedAt:   time.Now().UTC().Truncate(time.Second),
		Adapters:  []string{"gen", "emb"},
		Precision: "bf16-mixed",
	}

	require.NoError(t, SaveState(path, st))
	got, err := LoadState(path)
	require.NoError(t, err)

	// Compare the timestamp as an instant; CBOR does not preserve the
	// time.Location.
	require.True(t, got.SavedAt.Equal(st.SavedAt))
	got.SavedAt = st.SavedAt
	require.Equal(t, st, got)
}
