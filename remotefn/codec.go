// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"bytes"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// CodecOption configures batch encoding.
type CodecOption func(*codecConfig)

type codecConfig struct {
	zstd bool
}

// WithZstdCompression enables zstd compression of the encoded buffers.
// Decoding is schema-driven and needs no matching option.
func WithZstdCompression() CodecOption {
	return func(c *codecConfig) { c.zstd = true }
}

// ipcOptions converts codec options into Arrow IPC writer options.
func ipcOptions(schema *arrow.Schema, opts []CodecOption) []ipc.Option {
	var cfg codecConfig
	for _, o := range opts {
		o(&cfg)
	}
	out := []ipc.Option{ipc.WithSchema(schema)}
	if cfg.zstd {
		out = append(out, ipc.WithZstd())
	}
	return out
}

// EncodeBatch serializes a batch of named columnar vectors into a
// self-describing byte buffer using the Arrow IPC stream format. The schema
// message precedes the data, so the receiving side can decode the payload
// before any function-signature lookup.
func EncodeBatch(batch arrow.RecordBatch, opts ...CodecOption) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipcOptions(batch.Schema(), opts)...)
	if err := w.Write(batch); err != nil {
		return nil, &MalformedPayloadError{Reason: "encoding batch", Err: err}
	}
	if err := w.Close(); err != nil {
		return nil, &MalformedPayloadError{Reason: "closing IPC stream", Err: err}
	}
	return buf.Bytes(), nil
}

// DecodeBatch reconstructs a batch from a buffer produced by EncodeBatch.
// DecodeBatch(EncodeBatch(b)) is structurally equal to b: row count, column
// names and order, column types, values, and null positions all round-trip.
// A truncated or internally inconsistent buffer yields a
// *MalformedPayloadError.
func DecodeBatch(data []byte) (arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &MalformedPayloadError{Reason: "reading IPC stream", Err: err}
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil && err != io.EOF {
			return nil, &MalformedPayloadError{Reason: "reading batch", Err: err}
		}
		return nil, &MalformedPayloadError{Reason: "no batch in IPC stream"}
	}

	batch := reader.RecordBatch()
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	batch.Retain() // keep batch alive after reader is released

	// Drain to EOS so a trailing truncation surfaces here, not later.
	for reader.Next() {
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		batch.Release()
		return nil, &MalformedPayloadError{Reason: "draining IPC stream", Err: err}
	}

	return batch, nil
}

// validateBatch checks that every column's length matches the declared row count.
func validateBatch(batch arrow.RecordBatch) error {
	rows := batch.NumRows()
	for i := 0; i < int(batch.NumCols()); i++ {
		if int64(batch.Column(i).Len()) != rows {
			return &MalformedPayloadError{
				Reason: "column " + batch.ColumnName(i) + " length inconsistent with declared row count",
			}
		}
	}
	return nil
}

// batchEqual reports structural equality: schema (names, order, types),
// row count, values, and null positions.
func batchEqual(a, b arrow.RecordBatch) bool {
	if !a.Schema().Equal(b.Schema()) {
		return false
	}
	if a.NumRows() != b.NumRows() || a.NumCols() != b.NumCols() {
		return false
	}
	for i := 0; i < int(a.NumCols()); i++ {
		if !array.Equal(a.Column(i), b.Column(i)) {
			return false
		}
	}
	return true
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// resultSchema builds the response schema for a declared return type.
func resultSchema(ret arrow.DataType) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ResultColumn, Type: ret, Nullable: true},
	}, nil)
}
