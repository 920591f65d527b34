package distrib

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Sharding names the parameter-distribution strategies accepted at the
// orchestration boundary.
type Sharding string

const (
	ShardFull         Sharding = "full_shard"
	ShardGradOp       Sharding = "shard_grad_op"
	ShardDDP          Sharding = "ddp"
	ShardHybridFull   Sharding = "hybrid_full_shard"
	ShardHybridGradOp Sharding = "hybrid_shard_grad_op"
)

// ParseSharding validates a strategy name from config.
func ParseSharding(s string) (Sharding, error) {
	switch Sharding(s) {
	case ShardFull, ShardGradOp, ShardDDP, ShardHybridFull, ShardHybridGradOp:
		return Sharding(s), nil
	default:
		return "", fmt.Errorf("distrib: unsupported sharding strategy %q", s)
	}
}

// Sharded reports whether parameters are sharded during initialization
// (as opposed to fully replicated).
func (s Sharding) Sharded() bool {
	return s != ShardDDP
}

// InitScope serializes weight materialization across replicas so that under
// a sharded strategy at most maxConcurrent full replicas are resident at
// once during load.
type InitScope struct {
	sem *semaphore.Weighted
}

// NewInitScope builds a scope admitting maxConcurrent loaders; sharded
// strategies use 1.
func NewInitScope(maxConcurrent int64) *InitScope {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &InitScope{sem: semaphore.NewWeighted(maxConcurrent)}
}

// ScopeFor picks the initialization scope a strategy requires.
func ScopeFor(s Sharding, replicas int) *InitScope {
	if s.Sharded() {
		return NewInitScope(1)
	}
	return NewInitScope(int64(replicas))
}

// Enter blocks until a materialization slot is free. The returned release
// function must be called when the replica's weights are in place,
// regardless of success or failure.
func (s *InitScope) Enter(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}
