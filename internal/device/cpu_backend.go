package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-bowyer/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// CPUBackend computes in float32 and stores parameters in the dtype it was
// constructed with (fp32 by default, fp16/bf16 for half-precision loads).
type CPUBackend struct {
	dtype DType
	pool  sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return NewCPUBackendWithDType(Float32)
}

// NewCPUBackendWithDType creates a backend whose parameter tensors are stored
// in dt. Scratch tensors stay float32 regardless.
func NewCPUBackendWithDType(dt DType) *CPUBackend {
	return &CPUBackend{
		dtype: dt,
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) DType() DType {
	return b.dtype
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	return New(b.dtype, r, c, data)
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil {
		ct = &CPUTensor{}
	}

	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		scratchMisses.Inc()
		ct.data = make([]float32, size)
	} else {
		scratchHits.Inc()
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0.0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok {
		return // Don't pool foreign tensors
	}

	ct.rows = 0
	ct.cols = 0
	ct.trans = false
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

// CPUTensor is a contiguous float32 tensor, optionally viewed transposed.
type CPUTensor struct {
	data  []float32
	rows  int
	cols  int
	trans bool
}

func newCPUTensor(r, c int, data []float32) *CPUTensor {
	size := r * c
	t := &CPUTensor{rows: r, cols: c}
	t.data = make([]float32, size)
	if data != nil {
		if len(data) != size {
			panic("device: provided data length does not match dimensions")
		}
		copy(t.data, data)
	}
	return t
}

func (t *CPUTensor) DType() DType {
	return Float32
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		panic("device: size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Copy(from Tensor) {
	tr, tc := t.Dims()
	fr, fc := from.Dims()
	if tr != fr || tc != fc {
		log.Panicf("Copy: dimension mismatch. Target: %dx%d, Source: %dx%d", tr, tc, fr, fc)
	}

	ft, ok := from.(*CPUTensor)
	if ok && !t.trans && !ft.trans {
		copy(t.data, ft.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, from.At(i, j))
		}
	}
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	if sliceRows <= 0 || sliceCols <= 0 {
		panic("Slice: invalid dimensions")
	}

	// This is a copy, not a view.
	out := newCPUTensor(sliceRows, sliceCols, nil)
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.Set(rowIdx, colIdx, t.At(i+rowIdx, j+colIdx))
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		data:  t.data, // share data
		rows:  t.rows,
		cols:  t.cols,
		trans: !t.trans,
	}
}

// Mul computes t = a * b through BLAS sgemm. Half-precision operands are
// converted to float32 once up front.
func (t *CPUTensor) Mul(a, b Tensor) {
	if t.trans {
		log.Panic("Mul: result tensor must not be a transposed view")
	}

	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}
	if t.rows != ar || t.cols != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, t.rows, t.cols)
	}

	aData, aRows, aCols, aTrans := rawRowMajor(a)
	bData, _, bCols, bTrans := rawRowMajor(b)
	_ = aRows

	transA := blas.NoTrans
	if aTrans {
		transA = blas.Trans
	}
	transB := blas.NoTrans
	if bTrans {
		transB = blas.Trans
	}

	blas32.Implementation().Sgemm(transA, transB,
		ar, bc, ac,
		1.0,
		aData, aCols,
		bData, bCols,
		0.0,
		t.data, t.cols)
}

func (t *CPUTensor) Add(other Tensor) {
	tr, tc := t.Dims()
	or, oc := other.Dims()
	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	ot, ok := other.(*CPUTensor)
	if ok && !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+other.At(i, j))
		}
	}
}

func (t *CPUTensor) AddScalar(val float32) {
	for i := range t.data {
		t.data[i] += val
	}
}

func (t *CPUTensor) Scale(val float32) {
	for i := range t.data {
		t.data[i] *= val
	}
}

func (t *CPUTensor) AddBias(bias []float32) {
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views")
	}
	r, c := t.Dims()
	if len(bias) != c {
		panic("AddBias: bias length mismatch with tensor columns")
	}
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		simd.VecAdd(row, bias)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	outData := make([]float32, len(indices)*c)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			panic("Gather index out of bounds")
		}
		for j := 0; j < c; j++ {
			outData[i*c+j] = t.At(idx, j)
		}
	}

	return newCPUTensor(len(indices), c, outData)
}

func (t *CPUTensor) Softmax() {
	if t.trans {
		panic("Softmax on transposed")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		rowStart := i * c
		simd.SoftmaxFast(t.data[rowStart : rowStart+c])
	}
}

func (t *CPUTensor) Gelu() {
	if t.trans {
		log.Panic("Gelu not supported on transposed tensor views")
	}
	simd.GeluFast(t.data)
}

func (t *CPUTensor) Tanh() {
	if t.trans {
		log.Panic("Tanh not supported on transposed tensor views")
	}
	data := t.data
	for i, v := range data {
		data[i] = simd.TanhFast(v)
	}
}

func (t *CPUTensor) LayerNorm(gamma, beta []float32, eps float32) {
	if t.trans {
		log.Panic("LayerNorm not supported on transposed tensor views")
	}
	r, c := t.Dims()
	if len(gamma) < c || len(beta) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	data := t.data
	for i := 0; i < r; i++ {
		rowStart := i * c
		row := data[rowStart : rowStart+c]

		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(c)

		var varSum float32
		for _, v := range row {
			diff := v - mean
			varSum += diff * diff
		}
		variance := varSum / float32(c)
		invStd := 1.0 / float32(math.Sqrt(float64(variance+eps)))

		for j := 0; j < c; j++ {
			row[j] = (row[j]-mean)*invStd*gamma[j] + beta[j]
		}
	}
}

func (t *CPUTensor) L2NormalizeRows() {
	if t.trans {
		log.Panic("L2NormalizeRows not supported on transposed tensor views")
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		row := t.data[i*c : (i+1)*c]
		norm := simd.L2Norm(row)
		if norm == 0 {
			continue
		}
		inv := float32(1.0 / norm)
		for j := range row {
			row[j] *= inv
		}
	}
}

// Attention computes Softmax(Q K^T * scale) V per sequence, with optional
// causal and key-padding masking. Parallelized over batch items.
func (t *CPUTensor) Attention(q, k, v Tensor, batchSize, seqLen int, scale float32, causal bool, keyMask []float32) Tensor {
	qt := q.(*CPUTensor)
	kt := k.(*CPUTensor)
	vt := v.(*CPUTensor)

	r, c := qt.Dims()
	if r != batchSize*seqLen {
		panic("Attention: dims mismatch")
	}
	if keyMask != nil && len(keyMask) != batchSize*seqLen {
		panic("Attention: key mask length mismatch")
	}

	result := newCPUTensor(r, c, nil)

	var wg sync.WaitGroup
	workers := numWorkers
	if batchSize < workers {
		workers = batchSize
	}
	itemsPerWorker := (batchSize + workers - 1) / workers

	for w := 0; w < workers; w++ {
		startBatch := w * itemsPerWorker
		endBatch := startBatch + itemsPerWorker
		if endBatch > batchSize {
			endBatch = batchSize
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scoresBuf := make([]float32, seqLen)

			for i := start; i < end; i++ {
				offset := i * seqLen

				for rQ := 0; rQ < seqLen; rQ++ {
					qIdx := (offset + rQ) * c
					qRow := qt.data[qIdx : qIdx+c]

					// Admissible key range for this query.
					limit := seqLen
					if causal {
						limit = rQ + 1
					}

					active := 0
					var maxScore float32 = -math.MaxFloat32
					for rK := 0; rK < limit; rK++ {
						if keyMask != nil && keyMask[offset+rK] == 0 {
							scoresBuf[rK] = float32(math.Inf(-1))
							continue
						}
						kIdx := (offset + rK) * c
						s := simd.DotProduct(qRow, kt.data[kIdx:kIdx+c]) * scale
						scoresBuf[rK] = s
						if s > maxScore {
							maxScore = s
						}
						active++
					}

					outIdx := (offset + rQ) * c
					outRow := result.data[outIdx : outIdx+c]
					for z := 0; z < c; z++ {
						outRow[z] = 0
					}
					if active == 0 {
						continue
					}

					var sum float32
					for rK := 0; rK < limit; rK++ {
						if keyMask != nil && keyMask[offset+rK] == 0 {
							scoresBuf[rK] = 0
							continue
						}
						scoresBuf[rK] = simd.ExpFast(scoresBuf[rK] - maxScore)
						sum += scoresBuf[rK]
					}
					invSum := 1.0 / sum

					for rK := 0; rK < limit; rK++ {
						weight := scoresBuf[rK] * invSum
						if weight == 0 {
							continue
						}
						vIdx := (offset + rK) * c
						simd.VecAddScaled(outRow, vt.data[vIdx:vIdx+c], weight)
					}
				}
			}
		}(startBatch, endBatch)
	}
	wg.Wait()

	return result
}

func (t *CPUTensor) ApplyRoPE(batchSize, seqLen, numHeads, headDim int) {
	if t.trans {
		panic("ApplyRoPE on transposed")
	}

	totalRows := batchSize * seqLen
	var wg sync.WaitGroup
	rowsPerWorker := (totalRows + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= totalRows {
			break
		}
		if endRow > totalRows {
			endRow = totalRows
		}

		wg.Add(1)
		go func(sRow, eRow int) {
			defer wg.Done()
			for r := sRow; r < eRow; r++ {
				seqIdx := r % seqLen
				rowOffset := r * (numHeads * headDim)

				for h := 0; h < numHeads; h++ {
					headOffset := rowOffset + h*headDim

					for i := 0; i < headDim/2; i++ {
						theta := float64(seqIdx) * math.Pow(10000.0, -2.0*float64(i)/float64(headDim))
						cosTheta := float32(math.Cos(theta))
						sinTheta := float32(math.Sin(theta))

						x1 := t.data[headOffset+i]
						x2 := t.data[headOffset+headDim/2+i]

						t.data[headOffset+i] = x1*cosTheta - x2*sinTheta
						t.data[headOffset+headDim/2+i] = x1*sinTheta + x2*cosTheta
					}
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}

func (t *CPUTensor) ExtractTo(destination [][]float32, startRow int) {
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		dst := make([]float32, c)
		if t.trans {
			for j := 0; j < c; j++ {
				dst[j] = t.At(i, j)
			}
		} else {
			copy(dst, t.data[i*c:(i+1)*c])
		}
		destination[startRow+i] = dst
	}
}
