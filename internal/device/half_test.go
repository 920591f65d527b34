package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHalfRoundTrip(t *testing.T) {
	for _, dt := range []DType{Float16, BFloat16} {
		h := New(dt, 2, 2, []float32{1.5, -2.25, 0, 100})

		require.Equal(t, dt, h.DType())
		require.InDelta(t, 1.5, h.At(0, 0), 1e-2)
		require.InDelta(t, -2.25, h.At(0, 1), 1e-2)
		require.Equal(t, float32(0), h.At(1, 0))
		require.InDelta(t, 100.0, h.At(1, 1), 1.0)
	}
}

func TestHalfMulOperand(t *testing.T) {
	// Half weights are valid matmul operands; the result lands in fp32.
	w := New(Float16, 2, 2, []float32{1, 0, 0, 1})
	x := New(Float32, 1, 2, []float32{3, 4})

	out := New(Float32, 1, 2, nil)
	out.Mul(x, w)

	require.InDelta(t, 3.0, out.At(0, 0), 1e-2)
	require.InDelta(t, 4.0, out.At(0, 1), 1e-2)
}

func TestHalfL2NormalizePreservesDType(t *testing.T) {
	h := New(Float16, 1, 2, []float32{3, 4})
	h.L2NormalizeRows()

	require.Equal(t, Float16, h.DType())
	require.InDelta(t, 0.6, h.At(0, 0), 1e-3)
	require.InDelta(t, 0.8, h.At(0, 1), 1e-3)
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("bf16-true")
	require.NoError(t, err)
	require.Equal(t, BFloat16, p.Param)
	require.Equal(t, BFloat16, p.Compute)

	p, err = ParsePrecision("16-mixed")
	require.NoError(t, err)
	require.Equal(t, Float32, p.Param)
	require.Equal(t, Float16, p.Compute)

	for _, name := range []string{"32", "32-true"} {
		p, err = ParsePrecision(name)
		require.NoError(t, err)
		require.Equal(t, Float32, p.Param)
		require.Equal(t, Float32, p.Compute)
	}

	_, err = ParsePrecision("fp8")
	require.Error(t, err)
}
