// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Signature describes one overload of a scalar function: an ordered sequence
// of argument types and a single return type. A Signature is immutable once
// built; construct it with NewSignature.
type Signature struct {
	args []arrow.DataType
	ret  arrow.DataType
}

// NewSignature builds a Signature from a return type and argument types.
func NewSignature(ret arrow.DataType, args ...arrow.DataType) Signature {
	if ret == nil {
		panic("remotefn: signature return type must not be nil")
	}
	cp := make([]arrow.DataType, len(args))
	copy(cp, args)
	return Signature{args: cp, ret: ret}
}

// Args returns the argument types in declaration order.
func (s Signature) Args() []arrow.DataType {
	cp := make([]arrow.DataType, len(s.args))
	copy(cp, s.args)
	return cp
}

// Return returns the declared return type.
func (s Signature) Return() arrow.DataType { return s.ret }

// Arity returns the number of arguments.
func (s Signature) Arity() int { return len(s.args) }

// Key returns a canonical string for the signature, used as the dispatch
// table key so that (name, signature) resolves to exactly one implementation.
func (s Signature) Key() string {
	parts := make([]string, len(s.args))
	for i, a := range s.args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("(%s)->%s", strings.Join(parts, ","), s.ret)
}

func (s Signature) String() string { return s.Key() }

// MatchesBatch reports whether the columns of an argument batch match the
// signature's argument types in order.
func (s Signature) MatchesBatch(batch arrow.RecordBatch) bool {
	if int(batch.NumCols()) != len(s.args) {
		return false
	}
	for i, want := range s.args {
		if !arrow.TypeEqual(batch.Column(i).DataType(), want) {
			return false
		}
	}
	return true
}

// Endpoint identifies where a remote function is served. Equality is by
// value; an Endpoint holds no connection state.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns the endpoint as a dialable host:port string.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string { return e.Addr() }
