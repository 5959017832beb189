// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package remotefn implements an RPC bridge that lets a vectorized query
// engine invoke scalar functions running in another process, over Apache
// Arrow IPC on a plain TCP connection.
//
// The client side is the [Adapter]: it implements the same [ScalarFunction]
// contract as a local function, so to the engine a remote function is just
// another catalog entry. Given an argument batch, the adapter encodes it as
// an Arrow IPC stream, performs one blocking request/response exchange
// against its [Endpoint], and decodes the returned result vector. Transport
// failures surface as [ConnectionError], server-side failures as
// [ExecutionError] or [FunctionNotFoundError], and contract breaches as
// [ProtocolViolationError]. The bridge never retries.
//
// The server side is the [Service]: it accepts requests, resolves the
// requested (name, signature) pair in a [DispatchTable] assembled at
// startup, evaluates the implementation with panic containment, and returns
// the result, or a structured error batch, without ever letting one bad call
// stop the process.
//
// # Wire format
//
// Every request and response is a complete Arrow IPC stream. The argument
// batch carries control metadata (function name, protocol version, request
// id, throw_on_error flag) as RecordBatch custom_metadata; responses
// interleave zero-row control batches (client-directed logs, structured
// errors) with a single data batch whose "result" column holds the output
// vector. Because the IPC schema message precedes the data, payloads are
// self-describing and decodable before any signature lookup.
//
// # Registration
//
//	catalog := remotefn.NewCatalog()
//	sig := remotefn.NewSignature(arrow.PrimitiveTypes.Int64,
//		arrow.PrimitiveTypes.Int64, arrow.PrimitiveTypes.Int64)
//	remotefn.RegisterRemoteFunction(catalog, "remote_plus",
//		[]remotefn.Signature{sig}, remotefn.Endpoint{Host: "::1", Port: 8099})
//
// The alias registered in the catalog may differ from the name the remote
// side uses; see [WithDispatchName].
package remotefn
