package audit

import "errors"

// Error taxonomy for the audit trail. Callers branch with errors.Is; every
// error returned by this package wraps exactly one of these sentinels.
var (
	// ErrValidation marks malformed ingestion input. The request is
	// rejected and no record is written.
	ErrValidation = errors.New("audit: invalid event")

	// ErrStorageUnavailable marks a transient failure to reach the durable
	// medium. Ingestion callers should retry with backoff; query callers
	// should report degraded service rather than an empty result.
	ErrStorageUnavailable = errors.New("audit: storage unavailable")

	// ErrChainCorruption marks a detected break in the hash chain. It is
	// fatal to further writes until the trail has been reviewed.
	ErrChainCorruption = errors.New("audit: hash chain corruption detected")

	// ErrInvalidFilter marks malformed query parameters.
	ErrInvalidFilter = errors.New("audit: invalid filter")

	// ErrExportAborted marks client-initiated cancellation of an export
	// stream. It is a normal termination, not a failure.
	ErrExportAborted = errors.New("audit: export aborted by client")

	// ErrNotFound marks a sequence number with no stored record.
	ErrNotFound = errors.New("audit: record not found")
)
