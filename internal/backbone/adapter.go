package backbone

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

// loraOverlay is a low-rank delta on one linear projection. The effective
// weight is W + A*B * (alpha/rank); A is (in, rank), B is (rank, out).
// A gets a small random init, B starts at zero so a fresh adapter is a no-op.
type loraOverlay struct {
	A     device.Tensor
	B     device.Tensor
	Rank  int
	Alpha float32
}

func (o *loraOverlay) scale() float32 {
	return o.Alpha / float32(o.Rank)
}

// Linear is a projection with optional named LoRA overlays. Overlays are
// selected per forward call; only the active one contributes.
type Linear struct {
	W        device.Tensor
	Bias     []float32
	overlays map[string]*loraOverlay
	active   string
}

func newLinear(b device.Backend, in, out int, bias bool) *Linear {
	l := &Linear{W: b.NewTensor(in, out, nil)}
	if bias {
		l.Bias = make([]float32, out)
	}
	xavierInit(l.W)
	return l
}

func (l *Linear) addOverlay(name string, rank int, alpha float32, rng *rand.Rand) {
	if l.overlays == nil {
		l.overlays = make(map[string]*loraOverlay)
	}
	in, out := l.W.Dims()

	a := device.New(device.Float32, in, rank, nil)
	limit := 1.0 / math.Sqrt(float64(in))
	for i := 0; i < in; i++ {
		for j := 0; j < rank; j++ {
			a.Set(i, j, float32((rng.Float64()*2-1)*limit))
		}
	}

	l.overlays[name] = &loraOverlay{
		A:     a,
		B:     device.New(device.Float32, rank, out, nil),
		Rank:  rank,
		Alpha: alpha,
	}
}

// forward computes x*W (+bias) plus the active overlay's low-rank delta.
// The result comes from the backend scratch pool.
func (l *Linear) forward(b device.Backend, x device.Tensor) device.Tensor {
	r, _ := x.Dims()
	_, out := l.W.Dims()

	y := b.GetTensor(r, out)
	y.Mul(x, l.W)
	if l.Bias != nil {
		y.AddBias(l.Bias)
	}

	if l.active != "" {
		o := l.overlays[l.active]
		mid := b.GetTensor(r, o.Rank)
		mid.Mul(x, o.A)

		delta := b.GetTensor(r, out)
		delta.Mul(mid, o.B)
		delta.Scale(o.scale())
		y.Add(delta)

		b.PutTensor(mid)
		b.PutTensor(delta)
	}
	return y
}

// merge folds the named overlay into the base weight and drops every overlay.
func (l *Linear) merge(name string) error {
	o, ok := l.overlays[name]
	if !ok {
		return fmt.Errorf("unknown adapter %q", name)
	}

	in, out := l.W.Dims()
	delta := device.New(device.Float32, in, out, nil)
	delta.Mul(o.A, o.B)
	delta.Scale(o.scale())

	// Base weights may be half precision; go through element access so the
	// merged value is re-encoded in the storage dtype.
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			l.W.Set(i, j, l.W.At(i, j)+delta.At(i, j))
		}
	}

	l.overlays = nil
	l.active = ""
	return nil
}

// AddAdapter creates a named low-rank overlay on every projection.
// Creating a name twice replaces the previous overlay.
func (m *Model) AddAdapter(name string, rank int, alpha float32) {
	rng := rand.New(rand.NewSource(int64(len(name)) + 7919))
	for _, l := range m.linears() {
		l.addOverlay(name, rank, alpha, rng)
	}
	m.adapters[name] = true
}

// SetActiveAdapter activates a named overlay for subsequent forward calls.
// The empty name deactivates all overlays.
func (m *Model) SetActiveAdapter(name string) error {
	if name != "" && !m.adapters[name] {
		return fmt.Errorf("unknown adapter %q", name)
	}
	for _, l := range m.linears() {
		l.active = name
	}
	return nil
}

// MergeAdapter folds the named overlay into the base weights and discards all
// overlays, as done once at export time.
func (m *Model) MergeAdapter(name string) error {
	if !m.adapters[name] {
		return fmt.Errorf("unknown adapter %q", name)
	}
	for _, l := range m.linears() {
		if err := l.merge(name); err != nil {
			return err
		}
	}
	m.adapters = make(map[string]bool)
	return nil
}

// AdapterNames lists the registered adapters.
func (m *Model) AdapterNames() []string {
	names := make([]string, 0, len(m.adapters))
	for n := range m.adapters {
		names = append(names, n)
	}
	return names
}
