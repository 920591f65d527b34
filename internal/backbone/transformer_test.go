package backbone

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	return New(DefaultTinyConfig(), device.NewCPUBackend())
}

func fullMask(n int) []float32 {
	m := make([]float32, n)
	for i := range m {
		m[i] = 1
	}
	return m
}

func TestForwardShapes(t *testing.T) {
	m := testModel(t)
	batch, seq := 2, 8
	ids := make([]int, batch*seq)
	for i := range ids {
		ids[i] = i % m.VocabSize()
	}

	out := m.Forward(ids, fullMask(batch*seq), batch, seq, ForwardOptions{Causal: true})
	r, c := out.LastHidden.Dims()
	require.Equal(t, batch*seq, r)
	require.Equal(t, m.HiddenSize(), c)

	for _, v := range out.LastHidden.ToHost() {
		require.False(t, v != v, "hidden state contains NaN")
	}
}

func TestForwardOptionalOutputs(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2, 3, 4}
	mask := fullMask(4)

	out := m.Forward(ids, mask, 1, 4, ForwardOptions{
		OutputHiddenStates: true,
		OutputAttentions:   true,
	})
	// Embedding layer plus one entry per block.
	require.Len(t, out.HiddenStates, m.Config().NumLayers+1)
	require.Len(t, out.Attentions, m.Config().NumLayers)

	plain := m.Forward(ids, mask, 1, 4, ForwardOptions{})
	require.Nil(t, plain.HiddenStates)
	require.Nil(t, plain.Attentions)
}

func TestLogitsShapeAndTiedHead(t *testing.T) {
	m := testModel(t)
	ids := []int{5, 6, 7}
	out := m.Logits(ids, fullMask(3), 1, 3, ForwardOptions{Causal: true})

	r, c := out.Logits.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, m.VocabSize(), c)

	// Tied head: logits are hidden * embedding^T.
	want := device.New(device.Float32, 3, m.VocabSize(), nil)
	want.Mul(out.LastHidden, m.tokenEmb.T())
	require.InDeltaSlice(t, want.ToHost(), out.Logits.ToHost(), 1e-4)
}

func TestCausalVsBidirectionalDiffer(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2, 3, 4, 5, 6}
	mask := fullMask(6)

	causal := m.Forward(ids, mask, 1, 6, ForwardOptions{Causal: true})
	bidi := m.Forward(ids, mask, 1, 6, ForwardOptions{Causal: false})

	// The first position attends only to itself either way, but later
	// positions see the future in the bidirectional pass.
	require.NotEqual(t, causal.LastHidden.ToHost(), bidi.LastHidden.ToHost())
}

func TestPaddingMaskExcludesKeys(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2, 3, 9, 9, 9}
	full := fullMask(6)
	padded := []float32{1, 1, 1, 0, 0, 0}

	a := m.Forward(ids, padded, 1, 6, ForwardOptions{})
	b := m.Forward(ids, full, 1, 6, ForwardOptions{})
	require.NotEqual(t, a.LastHidden.ToHost(), b.LastHidden.ToHost())

	// Changing a masked-out token must not change unmasked positions.
	ids2 := []int{1, 2, 3, 42, 42, 42}
	c := m.Forward(ids2, padded, 1, 6, ForwardOptions{})
	ar := a.LastHidden.Slice(0, 3, 0, m.HiddenSize())
	cr := c.LastHidden.Slice(0, 3, 0, m.HiddenSize())
	require.InDeltaSlice(t, ar.ToHost(), cr.ToHost(), 1e-5)
}

func TestForwardComputeDType(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2}
	out := m.Forward(ids, fullMask(2), 1, 2, ForwardOptions{ComputeDType: device.BFloat16})
	require.Equal(t, device.BFloat16, out.LastHidden.DType())
}

func TestStateDictRoundTrip(t *testing.T) {
	m1 := New(DefaultTinyConfig(), device.NewCPUBackend())
	m2 := New(DefaultTinyConfig(), device.NewCPUBackend())

	ids := []int{3, 1, 4, 1}
	mask := fullMask(4)
	require.NotEqual(t,
		m1.Forward(ids, mask, 1, 4, ForwardOptions{}).LastHidden.ToHost(),
		m2.Forward(ids, mask, 1, 4, ForwardOptions{}).LastHidden.ToHost())

	require.NoError(t, m2.LoadStateDict(m1.StateDict()))
	require.InDeltaSlice(t,
		m1.Forward(ids, mask, 1, 4, ForwardOptions{}).LastHidden.ToHost(),
		m2.Forward(ids, mask, 1, 4, ForwardOptions{}).LastHidden.ToHost(), 1e-5)
}

func TestLoadStateDictRejectsUnknownAndMismatched(t *testing.T) {
	m := testModel(t)
	require.Error(t, m.LoadStateDict(map[string][]float32{"bogus": {1}}))
	require.Error(t, m.LoadStateDict(map[string][]float32{"token_embedding": {1, 2, 3}}))
}

func TestAdapterFreshOverlayIsNoOp(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2, 3}
	mask := fullMask(3)

	base := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()

	m.AddAdapter("emb", 4, 8)
	require.NoError(t, m.SetActiveAdapter("emb"))
	withAdapter := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()

	// B starts at zero, so the delta is zero.
	require.InDeltaSlice(t, base, withAdapter, 1e-5)
}

func TestAdapterActivationChangesOutput(t *testing.T) {
	m := testModel(t)
	ids := []int{1, 2, 3}
	mask := fullMask(3)

	m.AddAdapter("gen", 4, 8)
	sd, err := m.AdapterStateDict("gen")
	require.NoError(t, err)
	for name, data := range sd {
		if len(name) > 7 && name[len(name)-7:] == ".lora_b" {
			for i := range data {
				data[i] = 0.05
			}
		}
	}
	require.NoError(t, m.LoadAdapterStateDict("gen", sd))

	base := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()
	require.NoError(t, m.SetActiveAdapter("gen"))
	active := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()
	require.NotEqual(t, base, active)

	// Deactivate and the base path is back.
	require.NoError(t, m.SetActiveAdapter(""))
	again := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()
	require.InDeltaSlice(t, base, again, 1e-5)
}

func TestMergeAdapterMatchesActiveOutput(t *testing.T) {
	m := testModel(t)
	ids := []int{7, 8, 9}
	mask := fullMask(3)

	m.AddAdapter("gen", 2, 4)
	sd, err := m.AdapterStateDict("gen")
	require.NoError(t, err)
	for name, data := range sd {
		if len(name) > 7 && name[len(name)-7:] == ".lora_b" {
			for i := range data {
				data[i] = 0.03
			}
		}
	}
	require.NoError(t, m.LoadAdapterStateDict("gen", sd))

	require.NoError(t, m.SetActiveAdapter("gen"))
	active := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()

	require.NoError(t, m.MergeAdapter("gen"))
	require.Empty(t, m.AdapterNames())
	merged := m.Forward(ids, mask, 1, 3, ForwardOptions{}).LastHidden.ToHost()

	require.InDeltaSlice(t, active, merged, 1e-3)
}

func TestSetActiveAdapterUnknown(t *testing.T) {
	m := testModel(t)
	require.Error(t, m.SetActiveAdapter("nope"))
	require.Error(t, m.MergeAdapter("nope"))
}
