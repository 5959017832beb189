// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Service is the server side of the bridge: it accepts invocation requests,
// dispatches them to the locally registered function implementations, and
// returns columnar results or structured failures. Individual call failures
// never stop the service; only transport faults end a connection.
type Service struct {
	table       *DispatchTable
	serverID    string
	hook        DispatchHook
	debugErrors bool

	mu           sync.Mutex
	listener     net.Listener
	conns        map[net.Conn]struct{}
	shuttingDown bool

	calls     sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

// NewService creates a service that dispatches to the given table. The table
// is frozen when serving starts; register all functions first.
func NewService(table *DispatchTable) *Service {
	return &Service{
		table: table,
		conns: make(map[net.Conn]struct{}),
		ready: make(chan struct{}),
	}
}

// SetServerID sets a server identifier included in response metadata.
func (s *Service) SetServerID(id string) {
	s.serverID = id
}

// SetDispatchHook registers a hook that is called around each dispatch.
func (s *Service) SetDispatchHook(hook DispatchHook) {
	s.hook = hook
}

// SetDebugErrors controls whether error responses include stack frames in
// the error_extra metadata. Enable for development or internal services;
// disable for public-facing deployments to avoid leaking implementation
// details.
func (s *Service) SetDebugErrors(enabled bool) {
	s.debugErrors = enabled
}

// Ready returns a channel that is closed once the service is accepting
// requests.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before serving starts.
// Useful with ":0" listeners to discover the OS-assigned port.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds a TCP listener on addr and serves until Shutdown.
func (s *Service) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remotefn: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, handling each on its own goroutine, and
// blocks until the listener fails or Shutdown is called. Serve returns nil
// after a clean Shutdown.
func (s *Service) Serve(ln net.Listener) error {
	s.table.freeze()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("remotefn: service is shut down")
	}
	s.listener = ln
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.shuttingDown
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("remotefn: accept: %w", err)
		}
		s.trackConn(conn)
		go func() {
			defer s.dropConn(conn)
			s.serveConn(context.Background(), conn, conn, conn.RemoteAddr().String())
		}()
	}
}

// Shutdown gracefully stops the service: it stops accepting new
// connections, waits for in-flight calls to complete, then closes remaining
// connections and releases the port. If ctx expires first, connections are
// closed immediately and ctx.Err() is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Service) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) dropConn(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// ServeConn runs the request loop on an arbitrary reader/writer pair. This
// is the transport-independent core used by Serve for TCP connections; it is
// also usable directly for subprocess (stdio) workers and in-process tests.
func (s *Service) ServeConn(ctx context.Context, r io.Reader, w io.Writer) {
	s.table.freeze()
	s.serveConn(ctx, r, w, "")
}

func (s *Service) serveConn(ctx context.Context, r io.Reader, w io.Writer, remoteAddr string) {
	for {
		err := s.serveOne(ctx, r, w, remoteAddr)
		if err != nil {
			if err != io.EOF && !isTransportClosed(err) {
				slog.Error("serve loop error", "err", err)
			}
			return
		}
	}
}

// serveOne handles one complete request-response cycle. A nil return means
// the connection can carry another request; a non-nil return ends it.
func (s *Service) serveOne(ctx context.Context, r io.Reader, w io.Writer, remoteAddr string) error {
	req, err := ReadRequest(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		// A decode failure is recoverable: report it to the client and keep
		// serving. Anything else is a transport fault.
		if mpErr, ok := err.(*MalformedPayloadError); ok {
			emptySchema := arrow.NewSchema(nil, nil)
			_ = WriteErrorResponse(w, emptySchema, nil, mpErr, s.serverID, "", s.debugErrors)
			return nil
		}
		return err
	}
	defer req.Batch.Release()

	s.calls.Add(1)
	defer s.calls.Done()

	info := DispatchInfo{
		Function:          req.Function,
		ServerID:          s.serverID,
		RequestID:         req.RequestID,
		RemoteAddr:        remoteAddr,
		TransportMetadata: req.Metadata,
	}

	var hookToken HookToken
	var hookActive bool
	stats := &CallStatistics{}

	if s.hook != nil {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook start panic", "err", rv)
				}
			}()
			var hookCtx context.Context
			hookCtx, hookToken = s.hook.OnDispatchStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			hookActive = true
		}()
	}

	handlerErr, transportErr := s.invoke(ctx, w, req, stats)

	if hookActive {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					slog.Error("dispatch hook end panic", "err", rv)
				}
			}()
			s.hook.OnDispatchEnd(ctx, hookToken, info, stats, handlerErr)
		}()
	}

	return transportErr
}

// invoke dispatches one decoded request: look up the implementation, evaluate
// it with panic containment, and write either the result batch or a
// structured error batch. handlerErr is the application-level failure (for
// hooks); transportErr is an I/O failure that ends the connection.
func (s *Service) invoke(ctx context.Context, w io.Writer, req *WireRequest, stats *CallStatistics) (handlerErr, transportErr error) {
	stats.RecordInput(req.Batch.NumRows(), batchBufferSize(req.Batch))

	fn, sig, nameFound := s.table.lookup(req.Function, req.Batch)
	if fn == nil {
		if !nameFound {
			handlerErr = &FunctionNotFoundError{Function: req.Function, Available: s.table.Names()}
		} else {
			handlerErr = &ExecutionError{
				Function: req.Function,
				Message:  fmt.Sprintf("no overload matches argument types %s", argTypesString(req.Batch)),
			}
		}
		emptySchema := arrow.NewSchema(nil, nil)
		_ = WriteErrorResponse(w, emptySchema, nil, handlerErr, s.serverID, req.RequestID, s.debugErrors)
		return handlerErr, nil
	}

	call := &CallContext{
		Ctx:          ctx,
		RequestID:    req.RequestID,
		ServerID:     s.serverID,
		Function:     req.Function,
		ThrowOnError: req.ThrowOnError,
		LogLevel:     req.LogLevel,
	}
	if call.LogLevel == "" {
		call.LogLevel = LogTrace // default: allow all, client filters
	}

	result, callErr := safeEval(ctx, fn, call, req.Batch)
	logs := call.drainLogs()
	schema := resultSchema(sig.Return())

	if callErr == nil && result != nil {
		// The implementation must honor its declared contract before the
		// result goes on the wire.
		if !arrow.TypeEqual(result.DataType(), sig.Return()) {
			callErr = &ExecutionError{
				Function: req.Function,
				Message: fmt.Sprintf("implementation returned type %s, declared %s",
					result.DataType(), sig.Return()),
			}
		} else if int64(result.Len()) != req.Batch.NumRows() {
			callErr = &ExecutionError{
				Function: req.Function,
				Message: fmt.Sprintf("implementation returned %d rows for %d input rows",
					result.Len(), req.Batch.NumRows()),
			}
		}
	}
	if callErr == nil && result == nil {
		callErr = &ExecutionError{Function: req.Function, Message: "implementation returned no result"}
	}

	if callErr != nil {
		if result != nil {
			result.Release()
		}
		handlerErr = asExecutionError(req.Function, callErr)
		transportErr = WriteErrorResponse(w, schema, logs, handlerErr, s.serverID, req.RequestID, s.debugErrors)
		return handlerErr, transportErr
	}
	defer result.Release()

	resultBatch := array.NewRecordBatch(schema, []arrow.Array{result}, int64(result.Len()))
	defer resultBatch.Release()

	stats.RecordOutput(resultBatch.NumRows(), batchBufferSize(resultBatch))

	return nil, WriteUnaryResponse(w, schema, logs, resultBatch, s.serverID, req.RequestID)
}

// safeEval invokes a function implementation, containing panics so a
// misbehaving function cannot tear down the server.
func safeEval(ctx context.Context, fn ScalarFunction, call *CallContext, args arrow.RecordBatch) (result arrow.Array, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			result = nil
			err = &ExecutionError{Function: call.Function, Message: fmt.Sprintf("panic: %v", rv)}
		}
	}()
	return fn.Eval(ctx, call, args)
}

// asExecutionError keeps typed bridge errors intact and wraps everything
// else as an execution failure carrying the original message text.
func asExecutionError(function string, err error) error {
	switch err.(type) {
	case *ExecutionError, *FunctionNotFoundError, *MalformedPayloadError:
		return err
	default:
		return &ExecutionError{Function: function, Message: err.Error()}
	}
}

func argTypesString(batch arrow.RecordBatch) string {
	parts := make([]string, int(batch.NumCols()))
	for i := range parts {
		parts[i] = batch.Column(i).DataType().String()
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// isTransportClosed returns true for errors that indicate the transport was
// closed normally.
func isTransportClosed(err error) bool {
	if err == io.EOF {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}
