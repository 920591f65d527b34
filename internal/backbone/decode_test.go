package backbone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeMatchesFullForward(t *testing.T) {
	m := testModel(t)
	prefix := []int{10, 11, 12, 13}

	out := m.Logits(prefix, fullMask(4), 1, 4, ForwardOptions{Causal: true, UseCache: true})
	require.NotNil(t, out.PastKeyValues)
	require.Equal(t, 4, out.PastKeyValues.Len())

	// Decoding token 14 with the cache must match the last position of a
	// full causal pass over the extended sequence.
	dec, err := m.Decode(out.PastKeyValues, []int{14})
	require.NoError(t, err)
	require.Equal(t, 5, out.PastKeyValues.Len())

	full := m.Logits([]int{10, 11, 12, 13, 14}, fullMask(5), 1, 5, ForwardOptions{Causal: true})
	wantRow := full.Logits.Slice(4, 5, 0, m.VocabSize())

	require.InDeltaSlice(t, wantRow.ToHost(), dec.ToHost(), 1e-2)
}

func TestCacheAbsentWithoutFlag(t *testing.T) {
	m := testModel(t)
	out := m.Logits([]int{1, 2}, fullMask(2), 1, 2, ForwardOptions{Causal: true})
	require.Nil(t, out.PastKeyValues)

	// Bidirectional passes never produce a cache.
	out = m.Forward([]int{1, 2}, fullMask(2), 1, 2, ForwardOptions{UseCache: true})
	require.Nil(t, out.PastKeyValues)
}

func TestGenerateExtendsPrompt(t *testing.T) {
	m := testModel(t)
	seq, err := m.Generate([]int{3, 5, 7}, 4)
	require.NoError(t, err)
	require.Len(t, seq, 7)
	require.Equal(t, []int{3, 5, 7}, seq[:3])
	for _, id := range seq {
		require.GreaterOrEqual(t, id, 0)
		require.Less(t, id, m.VocabSize())
	}
}

func TestDecodeValidatesBatch(t *testing.T) {
	m := testModel(t)
	out := m.Logits([]int{1, 2}, fullMask(2), 1, 2, ForwardOptions{Causal: true, UseCache: true})

	_, err := m.Decode(out.PastKeyValues, []int{1, 2})
	require.Error(t, err)
	_, err = m.Decode(nil, []int{1})
	require.Error(t, err)
}
