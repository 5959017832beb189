package remotefn

// Well-known metadata keys used on the wire. These appear as custom_metadata
// on Arrow IPC RecordBatch messages; zero-row batches carrying only metadata
// form the control plane (errors, client-directed logs).
const (
	MetaFunction       = "remotefn.function"
	MetaRequestVersion = "remotefn.request_version"
	MetaRequestID      = "remotefn.request_id"
	MetaThrowOnError   = "remotefn.throw_on_error"
	MetaLogLevel       = "remotefn.log_level"
	MetaLogMessage     = "remotefn.log_message"
	MetaLogExtra       = "remotefn.log_extra"
	MetaErrorType      = "remotefn.error_type"
	MetaErrorMessage   = "remotefn.error_message"
	MetaErrorExtra     = "remotefn.error_extra"
	MetaServerID       = "remotefn.server_id"

	// ProtocolVersion is carried in every request and validated by the
	// service before dispatch.
	ProtocolVersion = "1"
)

// ResultColumn is the name of the output vector column in a success
// response. Clients select it by name so that additional columns (for
// example a per-row error vector) can be added without breaking the
// wire contract.
const ResultColumn = "result"
