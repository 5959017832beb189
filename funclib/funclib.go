// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package funclib is a small library of scalar function implementations used
// by remote function services: arithmetic, checked division, and string
// functions with Presto-style semantics. It exists so a hosting process has
// something to register in its dispatch table; the bridge itself carries no
// function logic.
package funclib

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/remotefn-go/remotefn"
)

// ErrDivisionByZero is the domain error raised by Divide for a zero divisor.
var ErrDivisionByZero = errors.New("division by zero")

// RegisterAll registers every function in this library on the table under
// the given name prefix (for example "remote.").
func RegisterAll(table *remotefn.DispatchTable, prefix string) {
	table.MustRegister(prefix+"plus", Plus{})
	table.MustRegister(prefix+"divide", Divide{})
	table.MustRegister(prefix+"substr", Substr{})
	table.MustRegister(prefix+"lower", Lower{})
}

// Plus adds two numeric vectors element-wise. A null in either argument
// yields a null result row.
type Plus struct{}

func (Plus) Signatures() []remotefn.Signature {
	return []remotefn.Signature{
		remotefn.NewSignature(arrow.PrimitiveTypes.Int64,
			arrow.PrimitiveTypes.Int64, arrow.PrimitiveTypes.Int64),
		remotefn.NewSignature(arrow.PrimitiveTypes.Float64,
			arrow.PrimitiveTypes.Float64, arrow.PrimitiveTypes.Float64),
	}
}

func (Plus) Eval(_ context.Context, _ *remotefn.CallContext, args arrow.RecordBatch) (arrow.Array, error) {
	mem := memory.NewGoAllocator()
	switch a := args.Column(0).(type) {
	case *array.Int64:
		b := args.Column(1).(*array.Int64)
		builder := array.NewInt64Builder(mem)
		defer builder.Release()
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) || b.IsNull(i) {
				builder.AppendNull()
				continue
			}
			builder.Append(a.Value(i) + b.Value(i))
		}
		return builder.NewArray(), nil
	case *array.Float64:
		b := args.Column(1).(*array.Float64)
		builder := array.NewFloat64Builder(mem)
		defer builder.Release()
		for i := 0; i < a.Len(); i++ {
			if a.IsNull(i) || b.IsNull(i) {
				builder.AppendNull()
				continue
			}
			builder.Append(a.Value(i) + b.Value(i))
		}
		return builder.NewArray(), nil
	default:
		return nil, fmt.Errorf("plus: unsupported argument type %s", args.Column(0).DataType())
	}
}

// Divide divides two double vectors element-wise with checked semantics:
// a zero divisor fails the whole call with ErrDivisionByZero.
type Divide struct{}

func (Divide) Signatures() []remotefn.Signature {
	return []remotefn.Signature{
		remotefn.NewSignature(arrow.PrimitiveTypes.Float64,
			arrow.PrimitiveTypes.Float64, arrow.PrimitiveTypes.Float64),
	}
}

func (Divide) Eval(_ context.Context, _ *remotefn.CallContext, args arrow.RecordBatch) (arrow.Array, error) {
	a := args.Column(0).(*array.Float64)
	b := args.Column(1).(*array.Float64)

	builder := array.NewFloat64Builder(memory.NewGoAllocator())
	defer builder.Release()
	for i := 0; i < a.Len(); i++ {
		if a.IsNull(i) || b.IsNull(i) {
			builder.AppendNull()
			continue
		}
		if b.Value(i) == 0 {
			return nil, ErrDivisionByZero
		}
		builder.Append(a.Value(i) / b.Value(i))
	}
	return builder.NewArray(), nil
}

// Substr returns the suffix of each string starting at a 1-based position,
// Presto-style: position 0 yields the empty string, negative positions count
// from the end, and positions past the end yield the empty string. Offsets
// are in characters, not bytes.
type Substr struct{}

func (Substr) Signatures() []remotefn.Signature {
	return []remotefn.Signature{
		remotefn.NewSignature(arrow.BinaryTypes.String,
			arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32),
		remotefn.NewSignature(arrow.BinaryTypes.String,
			arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int64),
	}
}

func (Substr) Eval(_ context.Context, _ *remotefn.CallContext, args arrow.RecordBatch) (arrow.Array, error) {
	strs := args.Column(0).(*array.String)

	var start func(i int) int64
	switch pos := args.Column(1).(type) {
	case *array.Int32:
		start = func(i int) int64 { return int64(pos.Value(i)) }
	case *array.Int64:
		start = pos.Value
	default:
		return nil, fmt.Errorf("substr: unsupported position type %s", args.Column(1).DataType())
	}
	positions := args.Column(1)

	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for i := 0; i < strs.Len(); i++ {
		if strs.IsNull(i) || positions.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(substr(strs.Value(i), start(i)))
	}
	return builder.NewArray(), nil
}

func substr(s string, start int64) string {
	runes := []rune(s)
	n := int64(len(runes))
	var idx int64
	switch {
	case start > 0:
		idx = start - 1
	case start < 0:
		idx = n + start
	default:
		return ""
	}
	if idx < 0 || idx >= n {
		return ""
	}
	return string(runes[idx:])
}

// Lower lowercases each string element.
type Lower struct{}

func (Lower) Signatures() []remotefn.Signature {
	return []remotefn.Signature{
		remotefn.NewSignature(arrow.BinaryTypes.String, arrow.BinaryTypes.String),
	}
}

func (Lower) Eval(_ context.Context, _ *remotefn.CallContext, args arrow.RecordBatch) (arrow.Array, error) {
	strs := args.Column(0).(*array.String)
	builder := array.NewStringBuilder(memory.NewGoAllocator())
	defer builder.Release()
	for i := 0; i < strs.Len(); i++ {
		if strs.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(strings.ToLower(strs.Value(i)))
	}
	return builder.NewArray(), nil
}
