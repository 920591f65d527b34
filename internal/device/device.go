package device

// Tensor represents a 2D array of data. Batched sequences are stored
// flattened: a B x N x D hidden-state block is a (B*N) x D tensor.
//
// All backends compute in float32; half-precision tensors (fp16/bf16) are
// storage formats that convert at the element boundary.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// DType returns the element storage type.
	DType() DType

	// At returns the value at (i, j).
	// Slow; meant for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying float32 slice when the tensor is a
	// contiguous float32 tensor, nil otherwise (half storage, transposed view).
	Data() []float32

	// ToHost copies the data to a new float32 slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice into the tensor,
	// converting to the storage dtype as needed.
	CopyFromFloat32(data []float32)

	// Copy copies content from another tensor of the same logical shape.
	Copy(from Tensor)

	// Slice copies the sub-block rows [i,k) x cols [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns a transposed view sharing the underlying data.
	T() Tensor

	// Mul performs matrix multiplication: t = a * b.
	Mul(a, b Tensor)

	// Add performs element-wise addition: t += other.
	Add(other Tensor)

	// AddScalar performs t += val element-wise.
	AddScalar(val float32)

	// Scale performs t *= val element-wise.
	Scale(val float32)

	// AddBias adds a bias vector to each row. len(bias) must equal cols.
	AddBias(bias []float32)

	// Activation functions (in-place, Softmax is per-row).
	Softmax()
	Gelu()
	Tanh()

	// LayerNorm performs per-row layer normalization in-place.
	LayerNorm(gamma, beta []float32, eps float32)

	// L2NormalizeRows scales every row to unit Euclidean norm in-place,
	// accumulating in float32 and storing back in the tensor's own dtype.
	// All-zero rows are left untouched.
	L2NormalizeRows()

	// Gather collects rows by index into a new tensor.
	Gather(indices []int) Tensor

	// Attention performs fused scaled dot-product attention over flattened
	// (batchSize*seqLen, dim) q/k/v. When causal is true, key positions after
	// the query position are excluded. keyMask, when non-nil, has
	// batchSize*seqLen entries of {0,1}; zero entries are excluded as keys.
	// A query with no admissible keys produces a zero output row.
	Attention(q, k, v Tensor, batchSize, seqLen int, scale float32, causal bool, keyMask []float32) Tensor

	// ApplyRoPE applies rotary positional embeddings in-place.
	// The tensor is (batchSize*seqLen, numHeads*headDim).
	ApplyRoPE(batchSize, seqLen, numHeads, headDim int)

	// ExtractTo splits the tensor into per-row slices of a pre-allocated
	// destination, starting at startRow.
	ExtractTo(destination [][]float32, startRow int)
}

// Backend creates tensors and manages scratch memory.
type Backend interface {
	Name() string

	// DType is the storage type used for parameter tensors (NewTensor).
	// Scratch tensors from GetTensor are always float32.
	DType() DType

	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed float32 scratch tensor from the pool.
	GetTensor(r, c int) Tensor

	// PutTensor returns a scratch tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}

// New constructs a standalone tensor of the given dtype, independent of any
// backend's scratch pool. data may be nil for a zeroed tensor.
func New(dt DType, r, c int, data []float32) Tensor {
	if dt == Float32 {
		return newCPUTensor(r, c, data)
	}
	return newHalfTensor(dt, r, c, data)
}

// rawRowMajor extracts matmul operand data: a contiguous float32 buffer plus
// a flag telling whether it is stored transposed.
func rawRowMajor(t Tensor) (data []float32, rows, cols int, trans bool) {
	if ct, ok := t.(*CPUTensor); ok {
		return ct.data, ct.rows, ct.cols, ct.trans
	}
	r, c := t.Dims()
	return t.ToHost(), r, c, false
}
