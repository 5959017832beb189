package remotefn

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
)

// Sentinels for use with errors.Is to check whether any error in a chain
// belongs to one of the bridge's failure categories.
var (
	ErrConnection        = &ConnectionError{}
	ErrMalformedPayload  = &MalformedPayloadError{}
	ErrFunctionNotFound  = &FunctionNotFoundError{}
	ErrExecution         = &ExecutionError{}
	ErrProtocolViolation = &ProtocolViolationError{}
)

// ConnectionError reports that the transport never reached the remote
// service: connection refused, reset, or timed out. It carries the endpoint
// and the underlying transport diagnostic so callers can match on common
// conditions such as "connection refused".
type ConnectionError struct {
	Endpoint Endpoint
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote function endpoint %s unreachable: %v", e.Endpoint.Addr(), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *ConnectionError target.
func (e *ConnectionError) Is(target error) bool {
	_, ok := target.(*ConnectionError)
	return ok
}

// MalformedPayloadError reports that a received byte buffer could not be
// decoded: truncated stream, bad IPC framing, or an internal length that is
// inconsistent with the declared row count.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

func (e *MalformedPayloadError) Is(target error) bool {
	_, ok := target.(*MalformedPayloadError)
	return ok
}

// FunctionNotFoundError reports that the service has no implementation
// registered under the requested dispatch name.
type FunctionNotFoundError struct {
	Function  string
	Available []string
}

func (e *FunctionNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("remote function not found: %q", e.Function)
	}
	return fmt.Sprintf("remote function not found: %q. Registered functions: [%s]",
		e.Function, strings.Join(e.Available, ", "))
}

func (e *FunctionNotFoundError) Is(target error) bool {
	_, ok := target.(*FunctionNotFoundError)
	return ok
}

// ExecutionError reports that the remote function implementation itself
// failed. The server captures the implementation's message and the client
// re-raises it verbatim.
type ExecutionError struct {
	Function string
	Message  string
}

func (e *ExecutionError) Error() string {
	if e.Function == "" {
		return e.Message
	}
	return fmt.Sprintf("remote function %q failed: %s", e.Function, e.Message)
}

func (e *ExecutionError) Is(target error) bool {
	_, ok := target.(*ExecutionError)
	return ok
}

// ProtocolViolationError reports a response whose shape violates the wire
// contract, for example a result vector whose length does not match the
// input row count. Always client-side and fatal to the single call.
type ProtocolViolationError struct {
	Reason string
	Err    error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Err }

func (e *ProtocolViolationError) Is(target error) bool {
	_, ok := target.(*ProtocolViolationError)
	return ok
}

// Wire error type tags carried in response batch metadata.
const (
	errTypeMalformed = "MalformedPayload"
	errTypeNotFound  = "FunctionNotFound"
	errTypeExecution = "ExecutionError"
)

// wireErrorMessage extracts the text carried on the wire. For execution
// errors this is the implementation's original message, preserved verbatim
// so the client can re-raise it unchanged.
func wireErrorMessage(err error) string {
	if e, ok := err.(*ExecutionError); ok {
		return e.Message
	}
	return err.Error()
}

// wireErrorType maps a server-side error to its wire tag.
func wireErrorType(err error) string {
	switch err.(type) {
	case *MalformedPayloadError:
		return errTypeMalformed
	case *FunctionNotFoundError:
		return errTypeNotFound
	default:
		return errTypeExecution
	}
}

// stackFrame represents a single frame in a stack trace included in the
// error_extra metadata when debug errors are enabled.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

type errorExtra struct {
	ErrorType    string       `json:"error_type"`
	ErrorMessage string       `json:"error_message"`
	Frames       []stackFrame `json:"frames"`
}

// buildErrorExtra creates the JSON string for remotefn.error_extra.
func buildErrorExtra(err error) string {
	var frames []stackFrame
	pcs := make([]uintptr, 10)
	n := runtime.Callers(2, pcs)
	if n > 0 {
		callersFrames := runtime.CallersFrames(pcs[:n])
		count := 0
		for {
			frame, more := callersFrames.Next()
			if count >= 5 {
				break
			}
			frames = append(frames, stackFrame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
			count++
			if !more {
				break
			}
		}
	}

	extra := errorExtra{
		ErrorType:    wireErrorType(err),
		ErrorMessage: err.Error(),
		Frames:       frames,
	}

	data, _ := json.Marshal(extra)
	return string(data)
}
