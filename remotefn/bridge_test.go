// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/remotefn-go/funclib"
	"github.com/Query-farm/remotefn-go/remotefn"
)

func int64Array(vals []int64, valid []bool) arrow.Array {
	b := array.NewInt64Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

func int32Array(vals []int32, valid []bool) arrow.Array {
	b := array.NewInt32Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

func float64Array(vals []float64, valid []bool) arrow.Array {
	b := array.NewFloat64Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

func stringArray(vals []string, valid []bool) arrow.Array {
	b := array.NewStringBuilder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues(vals, valid)
	return b.NewArray()
}

// argBatch assembles an argument batch from columns named c0, c1, ... and
// releases the columns; the returned batch owns the data.
func argBatch(cols ...arrow.Array) arrow.RecordBatch {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		fields[i] = arrow.Field{Name: fmt.Sprintf("c%d", i), Type: col.DataType(), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)
	batch := array.NewRecordBatch(schema, cols, int64(cols[0].Len()))
	for _, col := range cols {
		col.Release()
	}
	return batch
}

// startService starts a TCP service hosting the funclib functions under the
// "remote." prefix and tears it down with the test.
func startService(t testing.TB, configure func(*remotefn.Service)) (*remotefn.Service, remotefn.Endpoint) {
	t.Helper()

	table := remotefn.NewDispatchTable()
	funclib.RegisterAll(table, "remote.")
	svc := remotefn.NewService(table)
	if configure != nil {
		configure(svc)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveDone := make(chan error, 1)
	go func() { serveDone <- svc.Serve(ln) }()
	<-svc.Ready()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
		assert.NoError(t, <-serveDone)
	})

	port := ln.Addr().(*net.TCPAddr).Port
	return svc, remotefn.Endpoint{Host: "127.0.0.1", Port: port}
}

// deadEndpoint returns an endpoint where nothing is listening.
func deadEndpoint(t *testing.T) remotefn.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return remotefn.Endpoint{Host: "127.0.0.1", Port: port}
}

func plusSignatures() []remotefn.Signature {
	return []remotefn.Signature{
		remotefn.NewSignature(arrow.PrimitiveTypes.Int64,
			arrow.PrimitiveTypes.Int64, arrow.PrimitiveTypes.Int64),
	}
}

func TestBridgePlus(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("plus", plusSignatures(), endpoint,
		remotefn.WithDispatchName("remote.plus"))

	args := argBatch(
		int64Array([]int64{1, 2, 3, 4, 5}, nil),
		int64Array([]int64{1, 2, 3, 4, 5}, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()

	expected := int64Array([]int64{2, 4, 6, 8, 10}, nil)
	defer expected.Release()
	assert.True(t, array.Equal(expected, result))
}

func TestBridgeSubstr(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("substr", []remotefn.Signature{
		remotefn.NewSignature(arrow.BinaryTypes.String,
			arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32),
	}, endpoint, remotefn.WithDispatchName("remote.substr"))

	args := argBatch(
		stringArray([]string{"hello", "my", "remote", "world"}, nil),
		int32Array([]int32{2, 1, 3, 5}, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()

	expected := stringArray([]string{"ello", "my", "mote", "d"}, nil)
	defer expected.Release()
	assert.True(t, array.Equal(expected, result))
}

func TestBridgeNullPropagation(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint)

	args := argBatch(
		int64Array([]int64{1, 0, 3}, []bool{true, false, true}),
		int64Array([]int64{10, 20, 0}, []bool{true, true, false}))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()

	expected := int64Array([]int64{11, 0, 0}, []bool{true, false, false})
	defer expected.Release()
	assert.True(t, array.Equal(expected, result))
}

func TestBridgeDivideByZero(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.divide", []remotefn.Signature{
		remotefn.NewSignature(arrow.PrimitiveTypes.Float64,
			arrow.PrimitiveTypes.Float64, arrow.PrimitiveTypes.Float64),
	}, endpoint)

	args := argBatch(
		float64Array([]float64{1, 2}, nil),
		float64Array([]float64{1, 0}, nil))
	defer args.Release()

	_, err := adapter.Eval(context.Background(), nil, args)
	require.Error(t, err)

	var execErr *remotefn.ExecutionError
	require.ErrorAs(t, err, &execErr)
	// the implementation's message text survives the wire unchanged
	assert.Equal(t, funclib.ErrDivisionByZero.Error(), execErr.Message)
	assert.ErrorIs(t, err, remotefn.ErrExecution)
}

func TestBridgeFunctionNotFound(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.sqrt", plusSignatures(), endpoint)

	args := argBatch(
		int64Array([]int64{1}, nil),
		int64Array([]int64{2}, nil))
	defer args.Release()

	_, err := adapter.Eval(context.Background(), nil, args)
	var nfErr *remotefn.FunctionNotFoundError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, "remote.sqrt", nfErr.Function)
	assert.ErrorIs(t, err, remotefn.ErrFunctionNotFound)
}

func TestBridgeOverloadMismatch(t *testing.T) {
	_, endpoint := startService(t, nil)

	// Claim a string overload for remote.plus locally; the service only has
	// numeric ones, so the call must fail remotely, not locally.
	adapter := remotefn.NewAdapter("remote.plus", []remotefn.Signature{
		remotefn.NewSignature(arrow.BinaryTypes.String,
			arrow.BinaryTypes.String, arrow.BinaryTypes.String),
	}, endpoint)

	args := argBatch(
		stringArray([]string{"a"}, nil),
		stringArray([]string{"b"}, nil))
	defer args.Release()

	_, err := adapter.Eval(context.Background(), nil, args)
	var execErr *remotefn.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Message, "no overload matches")
}

func TestBridgeConnectionRefused(t *testing.T) {
	adapter := remotefn.NewAdapter("remote.substr", []remotefn.Signature{
		remotefn.NewSignature(arrow.BinaryTypes.String,
			arrow.BinaryTypes.String, arrow.PrimitiveTypes.Int32),
	}, deadEndpoint(t), remotefn.WithDialTimeout(2*time.Second))

	args := argBatch(
		stringArray([]string{"hello"}, nil),
		int32Array([]int32{2}, nil))
	defer args.Release()

	_, err := adapter.Eval(context.Background(), nil, args)
	var connErr *remotefn.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, remotefn.ErrConnection)
	assert.Contains(t, err.Error(), "refused")
}

func TestBridgeEmptyBatchSkipsNetwork(t *testing.T) {
	// Endpoint is unreachable: a zero-row input must still succeed because no
	// exchange happens.
	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), deadEndpoint(t))

	args := argBatch(int64Array(nil, nil), int64Array(nil, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()

	assert.Equal(t, 0, result.Len())
	assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Int64, result.DataType()))
}

func TestBridgeConcurrentCalls(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := int64(w * 100)
			args := argBatch(
				int64Array([]int64{base + 1, base + 2, base + 3}, nil),
				int64Array([]int64{base + 1, base + 2, base + 3}, nil))
			defer args.Release()

			result, err := adapter.Eval(context.Background(), nil, args)
			if err != nil {
				errs[w] = err
				return
			}
			defer result.Release()

			expected := int64Array([]int64{2 * (base + 1), 2 * (base + 2), 2 * (base + 3)}, nil)
			defer expected.Release()
			if !array.Equal(expected, result) {
				errs[w] = fmt.Errorf("worker %d: result %v does not match %v", w, result, expected)
			}
		}(w)
	}
	wg.Wait()

	for w, err := range errs {
		assert.NoError(t, err, "worker %d", w)
	}
}

func TestBridgeSequentialCalls(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint)

	for i := int64(0); i < 5; i++ {
		args := argBatch(
			int64Array([]int64{i}, nil),
			int64Array([]int64{i}, nil))

		result, err := adapter.Eval(context.Background(), nil, args)
		args.Release()
		require.NoError(t, err)

		assert.Equal(t, 2*i, result.(*array.Int64).Value(0))
		result.Release()
	}
}

func TestBridgeRequestCompression(t *testing.T) {
	_, endpoint := startService(t, nil)

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint,
		remotefn.WithRequestCompression())

	vals := make([]int64, 1024)
	doubled := make([]int64, 1024)
	for i := range vals {
		vals[i] = int64(i)
		doubled[i] = int64(2 * i)
	}
	args := argBatch(int64Array(vals, nil), int64Array(vals, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()

	expected := int64Array(doubled, nil)
	defer expected.Release()
	assert.True(t, array.Equal(expected, result))
}

func TestBridgeMalformedPayloadKeepsServing(t *testing.T) {
	_, endpoint := startService(t, nil)

	// First connection carries garbage instead of an IPC stream. The service
	// must answer with a structured error and stay up.
	conn, err := net.Dial("tcp", endpoint.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte("this is not an arrow ipc stream"))
	require.NoError(t, err)

	_, err = remotefn.ReadResponse(conn, "remote.plus", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, remotefn.ErrProtocolViolation)
	conn.Close()

	// The service keeps serving well-formed requests.
	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint)
	args := argBatch(
		int64Array([]int64{21}, nil),
		int64Array([]int64{21}, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer result.Release()
	assert.Equal(t, int64(42), result.(*array.Int64).Value(0))
}

func TestBridgeRowCountMismatch(t *testing.T) {
	// A rogue server that answers every request with a single-row result.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	schema := arrow.NewSchema([]arrow.Field{
		{Name: remotefn.ResultColumn, Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	col := int64Array([]int64{1}, nil)
	short := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
	col.Release()
	t.Cleanup(short.Release)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := remotefn.ReadRequest(conn)
		if err != nil {
			return
		}
		defer req.Batch.Release()
		_ = remotefn.WriteUnaryResponse(conn, schema, nil, short, "rogue", req.RequestID)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(),
		remotefn.Endpoint{Host: "127.0.0.1", Port: port})

	args := argBatch(
		int64Array([]int64{1, 2, 3}, nil),
		int64Array([]int64{1, 2, 3}, nil))
	defer args.Release()

	_, err = adapter.Eval(context.Background(), nil, args)
	var pvErr *remotefn.ProtocolViolationError
	require.ErrorAs(t, err, &pvErr)
	assert.Contains(t, pvErr.Reason, "rows")
}

func TestBridgeGracefulShutdown(t *testing.T) {
	table := remotefn.NewDispatchTable()
	funclib.RegisterAll(table, "remote.")
	svc := remotefn.NewService(table)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	serveDone := make(chan error, 1)
	go func() { serveDone <- svc.Serve(ln) }()
	<-svc.Ready()

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(),
		remotefn.Endpoint{Host: "127.0.0.1", Port: port})

	args := argBatch(
		int64Array([]int64{1}, nil),
		int64Array([]int64{1}, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	result.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	require.NoError(t, <-serveDone, "Serve returns nil after a clean Shutdown")

	// The port is released and new calls fail with a connection error.
	_, err = adapter.Eval(context.Background(), nil, args)
	assert.ErrorIs(t, err, remotefn.ErrConnection)
}

// trackingHook records dispatches for hook coverage.
type trackingHook struct {
	mu    sync.Mutex
	calls []string
	stats []remotefn.CallStatistics
	errs  []error
}

func (h *trackingHook) OnDispatchStart(ctx context.Context, info remotefn.DispatchInfo) (context.Context, remotefn.HookToken) {
	return ctx, nil
}

func (h *trackingHook) OnDispatchEnd(_ context.Context, _ remotefn.HookToken, info remotefn.DispatchInfo, stats *remotefn.CallStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, info.Function)
	h.stats = append(h.stats, *stats)
	h.errs = append(h.errs, err)
}

func TestBridgeDispatchHook(t *testing.T) {
	hook := &trackingHook{}
	_, endpoint := startService(t, func(svc *remotefn.Service) {
		svc.SetDispatchHook(hook)
	})

	adapter := remotefn.NewAdapter("remote.plus", plusSignatures(), endpoint)

	args := argBatch(
		int64Array([]int64{1, 2, 3}, nil),
		int64Array([]int64{4, 5, 6}, nil))
	defer args.Release()

	result, err := adapter.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	result.Release()

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.calls, 1)
	assert.Equal(t, "remote.plus", hook.calls[0])
	assert.NoError(t, hook.errs[0])
	assert.EqualValues(t, 3, hook.stats[0].InputRows)
	assert.EqualValues(t, 3, hook.stats[0].OutputRows)
	assert.Positive(t, hook.stats[0].InputBytes)
}

func TestCatalogLocalRemoteEquivalence(t *testing.T) {
	_, endpoint := startService(t, nil)

	catalog := remotefn.NewCatalog()
	require.NoError(t, catalog.Register("local_plus", funclib.Plus{}))
	_, err := remotefn.RegisterRemoteFunction(catalog, "remote_plus",
		plusSignatures(), endpoint, remotefn.WithDispatchName("remote.plus"))
	require.NoError(t, err)

	args := argBatch(
		int64Array([]int64{1, 2, 3, 4, 5}, nil),
		int64Array([]int64{5, 4, 3, 2, 1}, nil))
	defer args.Release()

	local, ok := catalog.Lookup("local_plus")
	require.True(t, ok)
	remote, ok := catalog.Lookup("remote_plus")
	require.True(t, ok)

	localResult, err := local.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer localResult.Release()

	remoteResult, err := remote.Eval(context.Background(), nil, args)
	require.NoError(t, err)
	defer remoteResult.Release()

	assert.True(t, array.Equal(localResult, remoteResult),
		"a function must evaluate identically locally and through the bridge")
}

func TestCatalogDuplicateAlias(t *testing.T) {
	catalog := remotefn.NewCatalog()
	require.NoError(t, catalog.Register("plus", funclib.Plus{}))
	assert.Error(t, catalog.Register("plus", funclib.Plus{}))
}
