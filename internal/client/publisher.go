package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Putter is the transport the publisher writes through; satisfied by
// FlightClient.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Publisher batches trained embeddings into Arrow records and ships them to
// a dataset, with a concurrency cap and a circuit breaker in front of the
// transport.
type Publisher struct {
	putter  Putter
	dataset string
	dim     int
	mem     memory.Allocator
	sem     *semaphore.Weighted
	breaker *CircuitBreaker
}

func NewPublisher(putter Putter, dataset string, dim int, maxConcurrent int64) *Publisher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Publisher{
		putter:  putter,
		dataset: dataset,
		dim:     dim,
		mem:     memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(maxConcurrent),
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}
}

// Publish ships one batch of (key, vector) rows. Vectors are flattened
// (rows, dim) row-major, matching Tensor.ToHost output.
func (p *Publisher) Publish(ctx context.Context, keys []string, vectors []float32) error {
	rows := len(keys)
	if rows*p.dim != len(vectors) {
		return fmt.Errorf("client: %d keys but %d values for dim %d", rows, len(vectors), p.dim)
	}
	if rows == 0 {
		return nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	rec, err := p.buildRecord(keys, vectors)
	if err != nil {
		return err
	}
	defer rec.Release()

	start := time.Now()
	err = p.breaker.Do(func() error {
		return p.putter.DoPut(ctx, p.dataset, rec)
	})
	if err != nil {
		publishFailures.Inc()
		return fmt.Errorf("client: publishing %d vectors: %w", rows, err)
	}

	publishedVectors.Add(float64(rows))
	log.Debug().
		Int("rows", rows).
		Str("dataset", p.dataset).
		Dur("elapsed", time.Since(start)).
		Msg("published embeddings")
	return nil
}

func (p *Publisher) buildRecord(keys []string, vectors []float32) (arrow.RecordBatch, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "key", Type: arrow.BinaryTypes.String},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(p.dim), arrow.PrimitiveTypes.Float32)},
	}, nil)

	keyB := array.NewStringBuilder(p.mem)
	defer keyB.Release()
	embB := array.NewFixedSizeListBuilder(p.mem, int32(p.dim), arrow.PrimitiveTypes.Float32)
	defer embB.Release()
	valB := embB.ValueBuilder().(*array.Float32Builder)

	for i, key := range keys {
		keyB.Append(key)
		embB.Append(true)
		valB.AppendValues(vectors[i*p.dim:(i+1)*p.dim], nil)
	}

	keyArr := keyB.NewArray()
	defer keyArr.Release()
	embArr := embB.NewArray()
	defer embArr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{keyArr, embArr}, int64(len(keys))), nil
}
