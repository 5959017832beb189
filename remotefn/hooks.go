// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// DispatchHook provides observability callpoints around request dispatch.
// Implementations must be safe for concurrent use; the service handles
// connections concurrently.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries call metadata passed to hooks.
type DispatchInfo struct {
	Function          string            // remote function dispatch name
	ServerID          string            // server identifier
	RequestID         string            // client-supplied request identifier
	RemoteAddr        string            // peer address, empty for non-socket transports
	TransportMetadata map[string]string // request batch custom metadata
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	InputRows   int64
	OutputRows  int64
	InputBytes  int64
	OutputBytes int64
}

// RecordInput records the argument batch row count and buffer size.
func (s *CallStatistics) RecordInput(numRows, bufferBytes int64) {
	s.InputRows += numRows
	s.InputBytes += bufferBytes
}

// RecordOutput records the result batch row count and buffer size.
func (s *CallStatistics) RecordOutput(numRows, bufferBytes int64) {
	s.OutputRows += numRows
	s.OutputBytes += bufferBytes
}

// batchBufferSize returns the total top-level buffer size in bytes across all
// columns in a record batch.
func batchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := int64(0); i < batch.NumCols(); i++ {
		col := batch.Column(int(i))
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
