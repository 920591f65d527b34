package data

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Dataset schema: one row per training example.
var exampleSchema = arrow.NewSchema([]arrow.Field{
	{Name: "prompt", Type: arrow.BinaryTypes.String},
	{Name: "target", Type: arrow.BinaryTypes.String},
	{Name: "group", Type: arrow.PrimitiveTypes.Int64},
	{Name: "weight", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// WriteExamples streams examples as one Arrow IPC record batch.
func WriteExamples(w io.Writer, examples []*Example) error {
	pool := memory.NewGoAllocator()

	promptB := array.NewStringBuilder(pool)
	defer promptB.Release()
	targetB := array.NewStringBuilder(pool)
	defer targetB.Release()
	groupB := array.NewInt64Builder(pool)
	defer groupB.Release()
	weightB := array.NewFloat32Builder(pool)
	defer weightB.Release()

	for _, ex := range examples {
		promptB.Append(ex.Prompt)
		targetB.Append(ex.Target)
		groupB.Append(int64(ex.GroupLabel))
		weightB.Append(ex.TargetWeight)
	}

	cols := []arrow.Array{
		promptB.NewArray(), targetB.NewArray(), groupB.NewArray(), weightB.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	rec := array.NewRecordBatch(exampleSchema, cols, int64(len(examples)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(exampleSchema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReadExamples decodes every record batch of an Arrow IPC stream.
func ReadExamples(r io.Reader) ([]*Example, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("data: opening arrow stream: %w", err)
	}
	defer reader.Release()

	var out []*Example
	for reader.Next() {
		rec := reader.Record()
		prompts, ok := rec.Column(0).(*array.String)
		if !ok {
			return nil, errors.New("data: column 0 is not a string column")
		}
		targets, ok := rec.Column(1).(*array.String)
		if !ok {
			return nil, errors.New("data: column 1 is not a string column")
		}
		groups, ok := rec.Column(2).(*array.Int64)
		if !ok {
			return nil, errors.New("data: column 2 is not an int64 column")
		}
		weights, ok := rec.Column(3).(*array.Float32)
		if !ok {
			return nil, errors.New("data: column 3 is not a float32 column")
		}

		for i := 0; i < int(rec.NumRows()); i++ {
			out = append(out, &Example{
				Prompt:       prompts.Value(i),
				Target:       targets.Value(i),
				GroupLabel:   int(groups.Value(i)),
				TargetWeight: weights.Value(i),
			})
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out, nil
}

// WriteEmbeddings streams (text, fixed-size vector) rows as Arrow IPC, the
// exchange format the publisher and downstream stores consume.
func WriteEmbeddings(w io.Writer, texts []string, vectors [][]float32, dim int) error {
	if len(texts) != len(vectors) {
		return fmt.Errorf("data: %d texts but %d vectors", len(texts), len(vectors))
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "text", Type: arrow.BinaryTypes.String},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)

	pool := memory.NewGoAllocator()
	textB := array.NewStringBuilder(pool)
	defer textB.Release()
	embB := array.NewFixedSizeListBuilder(pool, int32(dim), arrow.PrimitiveTypes.Float32)
	defer embB.Release()
	valB := embB.ValueBuilder().(*array.Float32Builder)

	for i, text := range texts {
		if len(vectors[i]) != dim {
			return fmt.Errorf("data: vector %d has %d elements, want %d", i, len(vectors[i]), dim)
		}
		textB.Append(text)
		embB.Append(true)
		valB.AppendValues(vectors[i], nil)
	}

	textArr := textB.NewArray()
	defer textArr.Release()
	embArr := embB.NewArray()
	defer embArr.Release()

	rec := array.NewRecordBatch(schema, []arrow.Array{textArr, embArr}, int64(len(texts)))
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
