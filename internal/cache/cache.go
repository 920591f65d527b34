package cache

import (
	"sync"

	"github.com/23skdu/longbow-bowyer/internal/device"
)

// RepCache accumulates pooled representations across encoding chunks so a
// later contrastive pass can run over the whole concatenation without
// re-invoking the backbone. Chunks keep insertion order; it is safe for
// concurrent Put from encoder workers.
type RepCache struct {
	mu     sync.Mutex
	dim    int
	order  []string
	reps   map[string][]float32
	labels map[string][]int
}

func NewRepCache(dim int) *RepCache {
	return &RepCache{
		dim:    dim,
		reps:   make(map[string][]float32),
		labels: make(map[string][]int),
	}
}

// Put stores one chunk of (len(labels), dim) representations under a key.
// Re-using a key replaces the chunk in place without changing its order.
// Data is copied in, so callers may reuse their buffers.
func (c *RepCache) Put(key string, reps []float32, labels []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reps[key]; !ok {
		c.order = append(c.order, key)
	}
	cp := make([]float32, len(reps))
	copy(cp, reps)
	c.reps[key] = cp

	lbl := make([]int, len(labels))
	copy(lbl, labels)
	c.labels[key] = lbl
}

// Len returns the total number of cached representations.
func (c *RepCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.labels {
		n += len(l)
	}
	return n
}

// Dim returns the representation width.
func (c *RepCache) Dim() int { return c.dim }

// Concat materializes all cached chunks, in insertion order, as one
// (total, dim) float32 tensor plus the matching group labels.
func (c *RepCache) Concat() (device.Tensor, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []float32
	var labels []int
	for _, key := range c.order {
		data = append(data, c.reps[key]...)
		labels = append(labels, c.labels[key]...)
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return device.New(device.Float32, len(labels), c.dim, data), labels
}

// Reset drops every chunk, keeping the cache reusable for the next step.
func (c *RepCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	c.reps = make(map[string][]float32)
	c.labels = make(map[string][]int)
}
