// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// WireRequest is one parsed invocation request: the dispatch name of the
// remote function plus its columnar argument batch. The control fields ride
// in the batch's custom_metadata on the wire.
type WireRequest struct {
	Function     string
	Version      string
	RequestID    string
	ThrowOnError bool
	LogLevel     LogLevel
	Batch        arrow.RecordBatch
	Metadata     map[string]string
}

// WriteRequest writes one complete IPC stream carrying the argument batch
// annotated with the request control metadata.
func WriteRequest(w io.Writer, req *WireRequest, opts ...CodecOption) error {
	keys := []string{MetaFunction, MetaRequestVersion, MetaThrowOnError}
	vals := []string{req.Function, ProtocolVersion, strconv.FormatBool(req.ThrowOnError)}
	if req.RequestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, req.RequestID)
	}
	if req.LogLevel != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, string(req.LogLevel))
	}
	meta := arrow.NewMetadata(keys, vals)

	schema := req.Batch.Schema()
	batchWithMeta := array.NewRecordBatchWithMetadata(
		schema, req.Batch.Columns(), req.Batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipcOptions(schema, opts)...)
	if err := writer.Write(batchWithMeta); err != nil {
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// ReadRequest reads one complete IPC stream from the reader and extracts the
// function name, protocol version, and argument batch. An empty argument
// batch (zero rows) is legal.
func ReadRequest(r io.Reader) (*WireRequest, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, &MalformedPayloadError{Reason: "reading request IPC stream", Err: err}
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil && err != io.EOF {
			return nil, &MalformedPayloadError{Reason: "reading request batch", Err: err}
		}
		return nil, io.EOF
	}

	batch := reader.RecordBatch()
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	batch.Retain() // keep batch alive after reader is released

	var meta arrow.Metadata
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		meta = rb.Metadata()
	}

	function, ok := meta.GetValue(MetaFunction)
	if !ok {
		batch.Release()
		return nil, &MalformedPayloadError{
			Reason: "missing 'remotefn.function' in request batch custom_metadata",
		}
	}

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, &MalformedPayloadError{
			Reason: "missing 'remotefn.request_version' in request batch custom_metadata",
		}
	}
	if version != ProtocolVersion {
		batch.Release()
		return nil, &MalformedPayloadError{
			Reason: fmt.Sprintf("unsupported request version %q, expected %q", version, ProtocolVersion),
		}
	}

	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)
	throwOnError := false
	if v, ok := meta.GetValue(MetaThrowOnError); ok {
		throwOnError, _ = strconv.ParseBool(v)
	}

	// Drain remaining batches (read to EOS)
	for reader.Next() {
	}

	metaMap := make(map[string]string)
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &WireRequest{
		Function:     function,
		Version:      version,
		RequestID:    requestID,
		ThrowOnError: throwOnError,
		LogLevel:     LogLevel(logLevel),
		Batch:        batch,
		Metadata:     metaMap,
	}, nil
}

// writeLogBatch writes a zero-row batch carrying client-directed log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	meta := arrow.NewMetadata(keys, vals)
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// writeErrorBatch writes a zero-row batch carrying structured error metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaErrorType, MetaErrorMessage}
	vals := []string{wireErrorType(err), wireErrorMessage(err)}

	if debug {
		keys = append(keys, MetaErrorExtra)
		vals = append(vals, buildErrorExtra(err))
	}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	meta := arrow.NewMetadata(keys, vals)
	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, meta)
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// WriteUnaryResponse writes a complete IPC stream containing log batches
// followed by the result batch: schema + log batches + result batch + EOS.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	return writer.Write(result)
}

// WriteErrorResponse writes a complete IPC stream containing log batches
// followed by an error batch.
func WriteErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	err error, serverID, requestID string, debug bool) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	defer writer.Close()

	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			return fmt.Errorf("writing log batch: %w", werr)
		}
	}
	return writeErrorBatch(writer, schema, err, serverID, requestID, debug)
}

// ReadResponse reads one complete response IPC stream. Zero-row control
// batches are consumed along the way: log batches are handed to logSink (if
// non-nil) and an error batch terminates the read with the decoded remote
// error. On success the retained data batch is returned; the caller owns the
// reference. function is used to label decoded remote errors.
func ReadResponse(r io.Reader, function string, logSink func(LogMessage)) (arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, &MalformedPayloadError{Reason: "reading response IPC stream", Err: err}
	}
	defer reader.Release()

	var result arrow.RecordBatch
	for reader.Next() {
		batch := reader.RecordBatch()

		var meta arrow.Metadata
		if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
			meta = rb.Metadata()
		}

		if errType, ok := meta.GetValue(MetaErrorType); ok {
			msg, _ := meta.GetValue(MetaErrorMessage)
			if result != nil {
				result.Release()
			}
			return nil, decodeWireError(errType, msg, function)
		}

		if level, ok := meta.GetValue(MetaLogLevel); ok && batch.NumRows() == 0 {
			if logSink != nil {
				msg, _ := meta.GetValue(MetaLogMessage)
				logMsg := LogMessage{Level: LogLevel(level), Message: msg}
				if extra, ok := meta.GetValue(MetaLogExtra); ok {
					extras := make(map[string]string)
					if json.Unmarshal([]byte(extra), &extras) == nil {
						logMsg.Extras = extras
					}
				}
				logSink(logMsg)
			}
			continue
		}

		// Data batch. The contract allows exactly one per response.
		if result != nil {
			result.Release()
			return nil, &ProtocolViolationError{Reason: "multiple data batches in response"}
		}
		batch.Retain()
		result = batch
	}

	if err := reader.Err(); err != nil && err != io.EOF {
		if result != nil {
			result.Release()
		}
		return nil, &MalformedPayloadError{Reason: "reading response batch", Err: err}
	}
	if result == nil {
		return nil, &ProtocolViolationError{Reason: "response stream contained no data batch"}
	}
	return result, nil
}

// decodeWireError maps a wire error tag back to a typed client-side error.
// The server's message text is preserved verbatim.
func decodeWireError(errType, message, function string) error {
	switch errType {
	case errTypeNotFound:
		return &FunctionNotFoundError{Function: function}
	case errTypeMalformed:
		// The server could not decode what we sent; from the caller's
		// perspective the exchange violated the protocol.
		return &ProtocolViolationError{Reason: message}
	default:
		return &ExecutionError{Function: function, Message: message}
	}
}
