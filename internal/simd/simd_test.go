package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	expected := float32(70.0)

	result := DotProduct(a, b)

	if result != expected {
		t.Errorf("DotProduct = %f, want %f", result, expected)
	}
}

func TestCumSum(t *testing.T) {
	src := []float32{0, 1, 1, 1, 0, 0}
	dst := make([]float32, len(src))
	expected := []float32{0, 1, 2, 3, 3, 3}

	CumSum(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("CumSum(%d) = %f, want %f", i, v, expected[i])
		}
	}

	// Aliased dst/src must produce the same result.
	CumSum(src, src)
	for i, v := range src {
		if v != expected[i] {
			t.Errorf("CumSum aliased(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestLogSumExp(t *testing.T) {
	row := []float32{1, 2, 3}
	var want float64
	for _, v := range row {
		want += math.Exp(float64(v))
	}
	want = math.Log(want)

	got := LogSumExp(row)
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("LogSumExp = %f, want %f", got, want)
	}

	// Large values must not overflow.
	big := []float32{1000, 1001}
	got = LogSumExp(big)
	want = 1001 + math.Log(1+math.Exp(-1))
	if math.Abs(got-want) > 1e-4 {
		t.Errorf("LogSumExp(big) = %f, want %f", got, want)
	}
}

func TestL2Norm(t *testing.T) {
	v := []float32{3, 4}
	if got := L2Norm(v); math.Abs(got-5) > 1e-7 {
		t.Errorf("L2Norm = %f, want 5", got)
	}
}

func TestFastMath(t *testing.T) {
	tests := []struct {
		name string
		fn   func(float32) float32
		std  func(float64) float64
		tol  float64
	}{
		{"ExpFast", ExpFast, math.Exp, 0.05},
		{"TanhFast", TanhFast, math.Tanh, 0.05},
	}

	inputs := []float32{-10, -5, -2, -1, -0.5, 0, 0.5, 1, 2, 5, 10}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, x := range inputs {
				got := float64(tt.fn(x))
				want := tt.std(float64(x))

				diff := math.Abs(got - want)
				avg := math.Abs(want)
				if avg == 0 {
					avg = 1
				}
				relErr := diff / avg

				if diff > 0.001 && relErr > tt.tol {
					t.Errorf("%s(%f) = %f, want %f (diff %f, rel %f)", tt.name, x, got, want, diff, relErr)
				}
			}
		})
	}
}

// Benchmarks

func BenchmarkDotProduct(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(v1, v2)
	}
}

func BenchmarkVecAdd(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAdd(v1, v2)
	}
}

func BenchmarkLogSumExp(b *testing.B) {
	row := make([]float32, 1024)
	for i := range row {
		row[i] = float32(i%17) * 0.1
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LogSumExp(row)
	}
}
