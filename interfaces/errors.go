package interfaces

import (
	"errors"
	"fmt"
)

// Error taxonomy for the transport and trust layers. Callers are expected to
// branch with errors.Is rather than string matching.
//
// Transport and timeout failures are locally recoverable via the caller's own
// retry policy. Security and attestation failures must propagate unmodified
// to the top of the call stack; downgrading them to a generic retryable error
// would mask a genuine trust failure.
var (
	// ErrTransport indicates the bus is unavailable or a publish failed.
	// The caller may retry after the connection recovers.
	ErrTransport = errors.New("transport unavailable")

	// ErrTimeout indicates no correlated reply arrived within the deadline.
	// Safe to retry since vault operations are idempotent by request id.
	ErrTimeout = errors.New("timed out awaiting reply")

	// ErrCanceled indicates the pending call was canceled by its owner.
	// Distinct from ErrTimeout: the deadline never elapsed.
	ErrCanceled = errors.New("call canceled")

	// ErrMisattributedReply indicates the only replies observed did not
	// answer the issued operation, even after retries. Distinct from
	// ErrTimeout so callers can tell "nothing answered" from "something
	// else answered".
	ErrMisattributedReply = errors.New("reply misattributed")

	// ErrSecurity indicates a signature or AEAD verification failure.
	// Never retried automatically; may indicate tampering.
	ErrSecurity = errors.New("security verification failed")

	// ErrAttestationMismatch indicates the peer's measurements matched
	// neither the current nor the previous trusted set. Fatal to the
	// calling flow.
	ErrAttestationMismatch = errors.New("attestation measurements not trusted")
)

// RPCError is an application-level failure carried inside a correlated
// reply. It is a typed failure of the remote operation, not a transport
// fault, and is returned alongside the parsed reply.
type RPCError struct {
	Operation string
	Message   string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.Operation, e.Message)
}
