package simd

import "math"

// ExpFast is a fast approximation of exp(x) for float32 activation kernels.
// Uses the identity exp(x) = 2^(x/ln2) and a polynomial approximation.
func ExpFast(x float32) float32 {
	if x > 88 {
		return 3.4e38
	}
	if x < -88 {
		return 0
	}

	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := int(t)
	if t < 0 {
		k--
	}

	// Fractional part in [0, 1)
	f := t - float64(k)

	// Polynomial approximation of 2^f for f in [0, 1)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))

	if k >= 0 && k < 128 {
		return float32(p * float64(uint64(1)<<uint(k)))
	}
	if k < 0 && k > -128 {
		return float32(p / float64(uint64(1)<<uint(-k)))
	}
	return float32(p)
}

// TanhFast is a fast approximation of tanh(x).
func TanhFast(x float32) float32 {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}

	// Padé approximation: tanh(x) ≈ x * (27 + x^2) / (27 + 9*x^2)
	x2 := x * x
	return x * (27.0 + x2) / (27.0 + 9.0*x2)
}

// GeluFast applies fast GELU approximation in-place.
func GeluFast(data []float32) {
	const (
		sqrt2overPi = 0.7978845608
		coeff       = 0.044715
	)
	for i, x := range data {
		// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
		data[i] = 0.5 * x * (1 + TanhFast(sqrt2overPi*(x+coeff*x*x*x)))
	}
}

// SoftmaxFast applies fast softmax in-place to a row.
func SoftmaxFast(row []float32) {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float32
	for i, v := range row {
		row[i] = ExpFast(v - max)
		sum += row[i]
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// LogSumExp computes log(sum(exp(row))) with max-subtraction for stability.
// Uses exact exp and float64 accumulation; loss code depends on the precision.
func LogSumExp(row []float32) float64 {
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - max))
	}
	return float64(max) + math.Log(sum)
}

// VecAdd performs dst += src.
func VecAdd(dst, src []float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of two float32 vectors.
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// CumSum writes the running-sum transform of src into dst.
// dst and src may alias. [0,1,1,1,0,0] -> [0,1,2,3,3,3].
func CumSum(dst, src []float32) {
	var run float32
	for i, v := range src {
		run += v
		dst[i] = run
	}
}

// L2Norm returns the Euclidean norm of v, accumulated in float64.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
