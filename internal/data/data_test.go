package data

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

func writeVocab(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	var buf bytes.Buffer
	for _, tok := range tokens {
		buf.WriteString(tok + "\n")
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestTokenizerEncode(t *testing.T) {
	path := writeVocab(t, "hello", "world", "emb", "##ed", "##ding", ".")
	tok, err := NewWordPieceTokenizer(path)
	require.NoError(t, err)
	require.Equal(t, len(specials)+6, tok.VocabSize())

	hello := len(specials)
	require.Equal(t, []int{hello, hello + 1}, tok.Encode("Hello  WORLD"))

	// Greedy wordpiece splits unseen words into known pieces.
	require.Equal(t, []int{hello + 2, hello + 3, hello + 4}, tok.Encode("embedding"))

	// Accents are stripped before lookup, punctuation splits off.
	require.Equal(t, []int{hello, hello + 5}, tok.Encode("héllo."))

	// Out-of-vocabulary words collapse to [UNK].
	require.Equal(t, []int{UnkID}, tok.Encode("zzz"))
	require.Empty(t, tok.Encode("   "))
}

func TestAssemblerBuildGenBatch(t *testing.T) {
	path := writeVocab(t, "what", "is", "go", "a", "language")
	tok, err := NewWordPieceTokenizer(path)
	require.NoError(t, err)

	a := NewAssembler(tok, 32)
	batch, err := a.Build([]*Example{
		{Prompt: "what is go", Target: "a language", GroupLabel: 0, TargetWeight: 2},
		{Prompt: "go", Target: "language", GroupLabel: 1},
	}, true, true)
	require.NoError(t, err)

	require.Equal(t, 2, batch.B)
	// Longest item: [BOS] what is go a language [EOS] = 7.
	require.Equal(t, 7, batch.N)
	require.True(t, batch.IsGen)
	require.True(t, batch.IsEmb)

	// Item 0: BOS + 3 prompt tokens masked for pooling and loss.
	require.Equal(t, 4, batch.PromptLengths[0])
	for tpos := 0; tpos < 4; tpos++ {
		require.Equal(t, genclm.IgnoreIndex, batch.Labels[tpos])
	}
	// Target tokens are scored with the example's weight.
	require.Equal(t, float32(2), batch.LossWeightMask[4])
	require.NotEqual(t, genclm.IgnoreIndex, batch.Labels[4])

	// Item 1 is shorter: padding has zero mask and ignored labels.
	off := batch.N
	require.Equal(t, float32(0), batch.AttentionMask[off+6])
	require.Equal(t, PadID, batch.IDs[off+6])
	require.Equal(t, genclm.IgnoreIndex, batch.Labels[off+6])
	require.Equal(t, []int{0, 1}, batch.GroupLabels)
}

func TestAssemblerEmbOnlyDropsGenFields(t *testing.T) {
	path := writeVocab(t, "x")
	tok, err := NewWordPieceTokenizer(path)
	require.NoError(t, err)

	a := NewAssembler(tok, 8)
	batch, err := a.Build([]*Example{{Prompt: "x", Target: "x"}}, false, true)
	require.NoError(t, err)
	require.Nil(t, batch.Labels)
	require.Nil(t, batch.LossWeightMask)
	require.NotNil(t, batch.PromptLengths)

	_, err = a.Build(nil, true, false)
	require.Error(t, err)
}

func TestAssemblerTruncationKeepsPoolablePosition(t *testing.T) {
	path := writeVocab(t, "a", "b")
	tok, err := NewWordPieceTokenizer(path)
	require.NoError(t, err)

	a := NewAssembler(tok, 4)
	batch, err := a.Build([]*Example{
		{Prompt: "a a a a a a", Target: "b b b"},
	}, true, true)
	require.NoError(t, err)
	require.Equal(t, 4, batch.N)
	require.Less(t, batch.PromptLengths[0], batch.N)
}

func TestExamplesArrowRoundTrip(t *testing.T) {
	in := []*Example{
		{Prompt: "what is go", Target: "a language", GroupLabel: 3, TargetWeight: 1.5},
		{Prompt: "hällo", Target: "wörld", GroupLabel: 3},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteExamples(&buf, in))

	out, err := ReadExamples(&buf)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, in[0].Prompt, out[0].Prompt)
	require.Equal(t, in[0].GroupLabel, out[0].GroupLabel)
	require.InDelta(t, in[0].TargetWeight, out[0].TargetWeight, 1e-6)
	require.Equal(t, in[1].Target, out[1].Target)
}

func TestWriteEmbeddings(t *testing.T) {
	var buf bytes.Buffer
	err := WriteEmbeddings(&buf, []string{"a", "b"}, [][]float32{{1, 2}, {3, 4}}, 2)
	require.NoError(t, err)
	require.NotZero(t, buf.Len())

	err = WriteEmbeddings(&buf, []string{"a"}, [][]float32{{1, 2, 3}}, 2)
	require.Error(t, err)
	err = WriteEmbeddings(&buf, []string{"a", "b"}, [][]float32{{1, 2}}, 2)
	require.Error(t, err)
}
