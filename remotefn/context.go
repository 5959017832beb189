// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package remotefn

import "context"

// CallContext provides call-scoped information and client-directed logging to
// function implementations.
type CallContext struct {
	// Ctx is the call-scoped context, carrying cancellation and deadlines.
	Ctx context.Context
	// RequestID is the client-supplied identifier for this call, echoed in
	// all response metadata.
	RequestID string
	// ServerID is the server identifier set via [Service.SetServerID].
	ServerID string
	// Function is the dispatch name of the function being invoked.
	Function string
	// ThrowOnError is the flag carried in the request. It is recorded for
	// implementations but not otherwise honored by this version of the
	// bridge; per-row partial failure is a future extension.
	ThrowOnError bool
	// LogLevel is the client-requested minimum log severity. Messages below
	// this level are silently discarded by [CallContext.ClientLog].
	LogLevel LogLevel
	logs     []LogMessage
}

// ClientLog records a log message that will be sent back to the caller.
// The message is only recorded if its level is at or above the
// client-requested log level.
func (ctx *CallContext) ClientLog(level LogLevel, msg string, extras ...KV) {
	if logLevelPriority(level) > logLevelPriority(ctx.LogLevel) {
		return
	}
	logMsg := LogMessage{
		Level:   level,
		Message: msg,
	}
	if len(extras) > 0 {
		logMsg.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			logMsg.Extras[kv.Key] = kv.Value
		}
	}
	ctx.logs = append(ctx.logs, logMsg)
}

// drainLogs returns and clears all accumulated log messages.
func (ctx *CallContext) drainLogs() []LogMessage {
	logs := ctx.logs
	ctx.logs = nil
	return logs
}
