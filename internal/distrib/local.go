package distrib

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
)

// Encoder is one replica's embedding capability.
type Encoder interface {
	Encode(ctx context.Context, batch *genclm.Batch) (device.Tensor, error)
}

// LocalStrategy fans encoding work out over replica models on one host.
// Each replica owns its own backbone; weight loading goes through the
// strategy's InitScope.
type LocalStrategy struct {
	sharding Sharding
	scope    *InitScope
	replicas []Encoder
}

// NewLocalStrategy validates the sharding name and prepares the init scope
// for the given replica count.
func NewLocalStrategy(sharding string, replicas []Encoder) (*LocalStrategy, error) {
	s, err := ParseSharding(sharding)
	if err != nil {
		return nil, err
	}
	if len(replicas) == 0 {
		return nil, fmt.Errorf("distrib: no replicas")
	}
	log.Debug().Str("sharding", string(s)).Int("replicas", len(replicas)).Msg("local strategy ready")
	return &LocalStrategy{
		sharding: s,
		scope:    ScopeFor(s, len(replicas)),
		replicas: replicas,
	}, nil
}

func (l *LocalStrategy) Sharding() Sharding { return l.sharding }
func (l *LocalStrategy) Scope() *InitScope  { return l.scope }
func (l *LocalStrategy) ReplicaCount() int  { return len(l.replicas) }

// EncodeAll splits batches across replicas and gathers (total rows, dim)
// representations in input order. All replicas share one failure: the first
// error cancels the call.
func (l *LocalStrategy) EncodeAll(ctx context.Context, batches []*genclm.Batch) ([][]float32, error) {
	out := make([][]float32, len(batches))
	errs := make([]error, len(l.replicas))

	perReplica := (len(batches) + len(l.replicas) - 1) / len(l.replicas)

	var wg sync.WaitGroup
	for r := range l.replicas {
		start := r * perReplica
		if start >= len(batches) {
			break
		}
		end := start + perReplica
		if end > len(batches) {
			end = len(batches)
		}

		wg.Add(1)
		go func(replica int, s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				reps, err := l.replicas[replica].Encode(ctx, batches[i])
				if err != nil {
					errs[replica] = fmt.Errorf("replica %d batch %d: %w", replica, i, err)
					return
				}
				out[i] = reps.ToHost()
			}
		}(r, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
