package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepCacheConcatOrder(t *testing.T) {
	c := NewRepCache(2)
	c.Put("chunk-0", []float32{1, 2, 3, 4}, []int{0, 0})
	c.Put("chunk-1", []float32{5, 6}, []int{1})

	reps, labels := c.Concat()
	require.Equal(t, []int{0, 0, 1}, labels)
	r, d := reps.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 2, d)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, reps.ToHost())
	require.Equal(t, 3, c.Len())
}

func TestRepCacheReplaceKeepsOrder(t *testing.T) {
	c := NewRepCache(1)
	c.Put("a", []float32{1}, []int{0})
	c.Put("b", []float32{2}, []int{1})
	c.Put("a", []float32{9}, []int{0})

	reps, labels := c.Concat()
	require.Equal(t, []float32{9, 2}, reps.ToHost())
	require.Equal(t, []int{0, 1}, labels)
}

func TestRepCacheCopiesInput(t *testing.T) {
	c := NewRepCache(1)
	buf := []float32{7}
	c.Put("a", buf, []int{3})
	buf[0] = 0

	reps, _ := c.Concat()
	require.Equal(t, float32(7), reps.At(0, 0))
}

func TestRepCacheResetAndEmpty(t *testing.T) {
	c := NewRepCache(4)
	reps, labels := c.Concat()
	require.Nil(t, reps)
	require.Nil(t, labels)

	c.Put("a", make([]float32, 4), []int{0})
	c.Reset()
	require.Zero(t, c.Len())
	reps, _ = c.Concat()
	require.Nil(t, reps)
}

func TestRepCacheConcurrentPut(t *testing.T) {
	c := NewRepCache(1)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(fmt.Sprintf("chunk-%d", i), []float32{float32(i)}, []int{i})
		}(i)
	}
	wg.Wait()
	require.Equal(t, 32, c.Len())
}
