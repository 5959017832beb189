// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

const defaultDialTimeout = 10 * time.Second

// Adapter is the client side of the bridge. It implements ScalarFunction, so
// to the calling engine a remote function looks like any other registered
// function: one argument batch in, one result vector out, or a failure.
//
// Each call performs a fresh request/response exchange against the endpoint;
// the adapter holds no connection state between calls and never retries.
type Adapter struct {
	alias        string
	dispatchName string
	signatures   []Signature
	endpoint     Endpoint
	throwOnError bool
	logLevel     LogLevel
	dialTimeout  time.Duration
	codecOpts    []CodecOption
}

// AdapterOption configures an Adapter at registration time.
type AdapterOption func(*Adapter)

// WithDispatchName sets the name under which the remote side registered the
// implementation, when it differs from the local alias.
func WithDispatchName(name string) AdapterOption {
	return func(a *Adapter) { a.dispatchName = name }
}

// WithThrowOnError sets the throw_on_error flag carried in every request.
// The flag is transmitted but not honored by this version of the bridge.
func WithThrowOnError(v bool) AdapterOption {
	return func(a *Adapter) { a.throwOnError = v }
}

// WithDialTimeout bounds connection establishment. The default is 10s.
func WithDialTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.dialTimeout = d }
}

// WithRequestCompression enables zstd compression of request payloads.
func WithRequestCompression() AdapterOption {
	return func(a *Adapter) { a.codecOpts = append(a.codecOpts, WithZstdCompression()) }
}

// WithClientLogLevel requests server-side client-directed logs at or above
// the given severity.
func WithClientLogLevel(level LogLevel) AdapterOption {
	return func(a *Adapter) { a.logLevel = level }
}

// NewAdapter builds an adapter for a remote function. Reachability of the
// endpoint is not checked here; it is discovered at first call.
func NewAdapter(alias string, sigs []Signature, endpoint Endpoint, opts ...AdapterOption) *Adapter {
	cp := make([]Signature, len(sigs))
	copy(cp, sigs)
	a := &Adapter{
		alias:        alias,
		dispatchName: alias,
		signatures:   cp,
		endpoint:     endpoint,
		dialTimeout:  defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Alias returns the name the calling engine knows this function by.
func (a *Adapter) Alias() string { return a.alias }

// DispatchName returns the name sent to the remote service.
func (a *Adapter) DispatchName() string { return a.dispatchName }

// Endpoint returns the remote endpoint address.
func (a *Adapter) Endpoint() Endpoint { return a.endpoint }

// Signatures implements ScalarFunction.
func (a *Adapter) Signatures() []Signature {
	cp := make([]Signature, len(a.signatures))
	copy(cp, a.signatures)
	return cp
}

// Eval implements ScalarFunction by marshalling the argument batch,
// performing one blocking RPC exchange, and unmarshalling the result vector.
// A zero-row input produces a zero-row result without any network round
// trip.
func (a *Adapter) Eval(ctx context.Context, call *CallContext, args arrow.RecordBatch) (arrow.Array, error) {
	sig, ok := a.matchSignature(args)
	if !ok {
		return nil, fmt.Errorf("remotefn: %s: argument types %s match no registered signature",
			a.alias, argTypesString(args))
	}

	if args.NumRows() == 0 {
		return makeEmptyArray(memory.NewGoAllocator(), sig.Return()), nil
	}

	requestID := uuid.NewString()
	if call != nil && call.RequestID != "" {
		requestID = call.RequestID
	}

	dialer := net.Dialer{Timeout: a.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.endpoint.Addr())
	if err != nil {
		return nil, &ConnectionError{Endpoint: a.endpoint, Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &WireRequest{
		Function:     a.dispatchName,
		RequestID:    requestID,
		ThrowOnError: a.throwOnError,
		LogLevel:     a.logLevel,
		Batch:        args,
	}
	if err := WriteRequest(conn, req, a.codecOpts...); err != nil {
		return nil, &ConnectionError{Endpoint: a.endpoint, Err: err}
	}

	batch, err := ReadResponse(conn, a.dispatchName, a.forwardClientLog(requestID))
	if err != nil {
		return nil, a.classifyReadError(err)
	}
	defer batch.Release()

	colIdx := -1
	for i := 0; i < int(batch.NumCols()); i++ {
		if batch.ColumnName(i) == ResultColumn {
			colIdx = i
			break
		}
	}
	if colIdx == -1 {
		return nil, &ProtocolViolationError{Reason: "response batch has no result column"}
	}

	result := batch.Column(colIdx)
	if !arrow.TypeEqual(result.DataType(), sig.Return()) {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("result vector has type %s, declared return type is %s",
				result.DataType(), sig.Return()),
		}
	}
	if int64(result.Len()) != args.NumRows() {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("result vector has %d rows, input batch has %d",
				result.Len(), args.NumRows()),
		}
	}

	result.Retain()
	return result, nil
}

// matchSignature finds the registered signature matching the argument batch.
func (a *Adapter) matchSignature(args arrow.RecordBatch) (Signature, bool) {
	for _, sig := range a.signatures {
		if sig.MatchesBatch(args) {
			return sig, true
		}
	}
	return Signature{}, false
}

// classifyReadError maps response-read failures to the client-side taxonomy:
// network faults become connection errors, undecodable payloads become
// protocol violations, and typed remote errors pass through unchanged.
func (a *Adapter) classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ConnectionError{Endpoint: a.endpoint, Err: err}
	}
	var mpErr *MalformedPayloadError
	if errors.As(err, &mpErr) {
		if mpErr.Err != nil && isTransportClosed(mpErr.Err) {
			return &ConnectionError{Endpoint: a.endpoint, Err: mpErr.Err}
		}
		return &ProtocolViolationError{Reason: "undecodable response payload", Err: err}
	}
	return err
}

// forwardClientLog surfaces server-emitted client-directed log batches
// through the process logger.
func (a *Adapter) forwardClientLog(requestID string) func(LogMessage) {
	return func(msg LogMessage) {
		attrs := []any{"function", a.dispatchName, "request_id", requestID}
		for k, v := range msg.Extras {
			attrs = append(attrs, k, v)
		}
		switch msg.Level {
		case LogError:
			slog.Error(msg.Message, attrs...)
		case LogWarn:
			slog.Warn(msg.Message, attrs...)
		case LogDebug, LogTrace:
			slog.Debug(msg.Message, attrs...)
		default:
			slog.Info(msg.Message, attrs...)
		}
	}
}
