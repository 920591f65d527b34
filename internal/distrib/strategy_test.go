package distrib

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

func TestParseSharding(t *testing.T) {
	for _, s := range []string{"full_shard", "shard_grad_op", "ddp", "hybrid_full_shard", "hybrid_shard_grad_op"} {
		got, err := ParseSharding(s)
		require.NoError(t, err)
		require.Equal(t, Sharding(s), got)
	}

	_, err := ParseSharding("fsdp2")
	require.Error(t, err)

	require.True(t, ShardFull.Sharded())
	require.False(t, ShardDDP.Sharded())
}

func TestInitScopeSerializesShardedLoads(t *testing.T) {
	scope := NewInitScope(1)

	var inFlight, maxInFlight int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := scope.Enter(context.Background())
			require.NoError(t, err)
			defer release()

			cur := atomic.AddInt64(&inFlight, 1)
			for {
				prev := atomic.LoadInt64(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&maxInFlight))
}

func TestInitScopeRespectsContext(t *testing.T) {
	scope := NewInitScope(1)
	release, err := scope.Enter(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = scope.Enter(ctx)
	require.Error(t, err)
}

// stubEncoder returns a fixed vector per batch and counts invocations.
type stubEncoder struct {
	calls int64
	fail  bool
}

func (s *stubEncoder) Encode(ctx context.Context, batch *genclm.Batch) (device.Tensor, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.fail {
		return nil, errors.New("replica down")
	}
	return device.New(device.Float32, batch.B, 2, make([]float32, batch.B*2)), nil
}

func TestLocalStrategyEncodeAll(t *testing.T) {
	a, b := &stubEncoder{}, &stubEncoder{}
	ls, err := NewLocalStrategy("ddp", []Encoder{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, ls.ReplicaCount())

	batches := make([]*genclm.Batch, 5)
	for i := range batches {
		batches[i] = &genclm.Batch{B: 1, N: 1, IsEmb: true}
	}

	out, err := ls.EncodeAll(context.Background(), batches)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for _, reps := range out {
		require.Len(t, reps, 2)
	}
	require.Equal(t, int64(5), a.calls+b.calls)
	require.NotZero(t, a.calls)
	require.NotZero(t, b.calls)
}

func TestLocalStrategyPropagatesErrors(t *testing.T) {
	ls, err := NewLocalStrategy("full_shard", []Encoder{&stubEncoder{fail: true}})
	require.NoError(t, err)

	_, err = ls.EncodeAll(context.Background(), []*genclm.Batch{{B: 1, N: 1}})
	require.Error(t, err)

	_, err = NewLocalStrategy("bogus", []Encoder{&stubEncoder{}})
	require.Error(t, err)
	_, err = NewLocalStrategy("ddp", nil)
	require.Error(t, err)
}
