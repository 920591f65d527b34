package device

import (
	"log"
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-bowyer/internal/simd"
)

var _ Tensor = (*HalfTensor)(nil)

// HalfTensor stores elements as 16-bit floats (IEEE binary16 or bfloat16),
// halving memory at a documented small accuracy cost. It is a storage format:
// matmul results must land in float32 tensors, so the fused compute ops panic
// here. Element-wise ops convert per element.
type HalfTensor struct {
	bits  []uint16
	rows  int
	cols  int
	dtype DType
}

func newHalfTensor(dt DType, r, c int, data []float32) *HalfTensor {
	if dt != Float16 && dt != BFloat16 {
		panic("device: half tensor requires fp16 or bf16 dtype")
	}
	t := &HalfTensor{
		bits:  make([]uint16, r*c),
		rows:  r,
		cols:  c,
		dtype: dt,
	}
	if data != nil {
		if len(data) != r*c {
			panic("device: provided data length does not match dimensions")
		}
		t.CopyFromFloat32(data)
	}
	return t
}

func (t *HalfTensor) encode(v float32) uint16 {
	if t.dtype == Float16 {
		return uint16(float16.Fromfloat32(v))
	}
	// bfloat16: truncate with round-to-nearest-even on the dropped mantissa.
	bits := math.Float32bits(v)
	round := uint32(0x7FFF + ((bits >> 16) & 1))
	return uint16((bits + round) >> 16)
}

func (t *HalfTensor) decode(u uint16) float32 {
	if t.dtype == Float16 {
		return float16.Float16(u).Float32()
	}
	return math.Float32frombits(uint32(u) << 16)
}

func (t *HalfTensor) DType() DType {
	return t.dtype
}

func (t *HalfTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *HalfTensor) At(i, j int) float32 {
	return t.decode(t.bits[i*t.cols+j])
}

func (t *HalfTensor) Set(i, j int, v float32) {
	t.bits[i*t.cols+j] = t.encode(v)
}

// Data returns nil: there is no float32 backing slice.
func (t *HalfTensor) Data() []float32 {
	return nil
}

func (t *HalfTensor) ToHost() []float32 {
	out := make([]float32, len(t.bits))
	for i, u := range t.bits {
		out[i] = t.decode(u)
	}
	return out
}

func (t *HalfTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.bits) {
		panic("device: size mismatch")
	}
	for i, v := range data {
		t.bits[i] = t.encode(v)
	}
}

func (t *HalfTensor) Copy(from Tensor) {
	fr, fc := from.Dims()
	if fr != t.rows || fc != t.cols {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", t.rows, t.cols, fr, fc)
	}
	t.CopyFromFloat32(from.ToHost())
}

func (t *HalfTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}
	out := newHalfTensor(t.dtype, sliceRows, sliceCols, nil)
	for r := 0; r < sliceRows; r++ {
		copy(out.bits[r*sliceCols:(r+1)*sliceCols], t.bits[(i+r)*t.cols+j:(i+r)*t.cols+l])
	}
	return out
}

// T is not supported for half storage; convert to float32 first.
func (t *HalfTensor) T() Tensor {
	log.Panic("T not supported on half tensors; Mul handles half operands directly")
	return nil
}

func (t *HalfTensor) Mul(a, b Tensor) {
	log.Panic("Mul result must be a float32 tensor")
}

func (t *HalfTensor) Add(other Tensor) {
	or, oc := other.Dims()
	if or != t.rows || oc != t.cols {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", t.rows, t.cols, or, oc)
	}
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			t.Set(i, j, t.At(i, j)+other.At(i, j))
		}
	}
}

func (t *HalfTensor) AddScalar(val float32) {
	for i := range t.bits {
		t.bits[i] = t.encode(t.decode(t.bits[i]) + val)
	}
}

func (t *HalfTensor) Scale(val float32) {
	for i := range t.bits {
		t.bits[i] = t.encode(t.decode(t.bits[i]) * val)
	}
}

func (t *HalfTensor) AddBias(bias []float32) {
	if len(bias) != t.cols {
		panic("AddBias: bias length mismatch with tensor columns")
	}
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			t.Set(i, j, t.At(i, j)+bias[j])
		}
	}
}

func (t *HalfTensor) Softmax() {
	log.Panic("Softmax not supported on half tensors")
}

func (t *HalfTensor) Gelu() {
	log.Panic("Gelu not supported on half tensors")
}

func (t *HalfTensor) Tanh() {
	log.Panic("Tanh not supported on half tensors")
}

func (t *HalfTensor) LayerNorm(gamma, beta []float32, eps float32) {
	log.Panic("LayerNorm not supported on half tensors")
}

// L2NormalizeRows accumulates the norm in float32, then stores back in the
// half format, preserving the tensor's dtype.
func (t *HalfTensor) L2NormalizeRows() {
	row := make([]float32, t.cols)
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			row[j] = t.At(i, j)
		}
		norm := simd.L2Norm(row)
		if norm == 0 {
			continue
		}
		inv := float32(1.0 / norm)
		for j := 0; j < t.cols; j++ {
			t.Set(i, j, row[j]*inv)
		}
	}
}

func (t *HalfTensor) Gather(indices []int) Tensor {
	out := newHalfTensor(t.dtype, len(indices), t.cols, nil)
	for i, idx := range indices {
		if idx < 0 || idx >= t.rows {
			panic("Gather index out of bounds")
		}
		copy(out.bits[i*t.cols:(i+1)*t.cols], t.bits[idx*t.cols:(idx+1)*t.cols])
	}
	return out
}

func (t *HalfTensor) Attention(q, k, v Tensor, batchSize, seqLen int, scale float32, causal bool, keyMask []float32) Tensor {
	log.Panic("Attention not supported on half tensors")
	return nil
}

func (t *HalfTensor) ApplyRoPE(batchSize, seqLen, numHeads, headDim int) {
	log.Panic("ApplyRoPE not supported on half tensors")
}

func (t *HalfTensor) ExtractTo(destination [][]float32, startRow int) {
	for i := 0; i < t.rows; i++ {
		dst := make([]float32, t.cols)
		for j := 0; j < t.cols; j++ {
			dst[j] = t.At(i, j)
		}
		destination[startRow+i] = dst
	}
}
