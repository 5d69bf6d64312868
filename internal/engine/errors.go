package engine

import (
	"errors"
	"fmt"
)

// Error sentinels for the connection engine's protocol and lifecycle
// failures (§7). Transport and decode sentinels live in internal/wire.
var (
	// ErrDuplicateID indicates Table.Insert was called with an id
	// already present in the correlation table.
	ErrDuplicateID = errors.New("engine: duplicate correlation id")

	// ErrConnectionClosed indicates an operation was attempted on, or a
	// pending call was abandoned by, a closed connection.
	ErrConnectionClosed = errors.New("engine: connection closed")

	// ErrNotReady indicates a non-handshake message was sent before the
	// connection reached the ready state (§8 property 7).
	ErrNotReady = errors.New("engine: connection is not ready")

	// ErrHandshakeProtocolViolation indicates the peer's first message,
	// or a message received while handshaking, was not the expected
	// init_req/init_res.
	ErrHandshakeProtocolViolation = errors.New("engine: handshake protocol violation")

	// ErrHandshakeAfterReady indicates a second init_req/init_res
	// arrived after the connection was already ready.
	ErrHandshakeAfterReady = errors.New("engine: handshake message received after ready")

	// ErrHandshakeFailed wraps any failure during open_outgoing's
	// handshake (§6).
	ErrHandshakeFailed = errors.New("engine: handshake failed")

	// ErrOrphanResponse indicates an inbound call response or ping_res
	// (or an error frame that failed to decode) carried an id with no
	// matching pending call. Logged and discarded, never fatal (§7).
	ErrOrphanResponse = errors.New("engine: orphan response")

	// ErrMissingHandshakeHeader indicates the peer's init_req/init_res
	// was missing a required header (host_port or process_name).
	ErrMissingHandshakeHeader = errors.New("engine: missing required handshake header")
)

// IDError associates a correlation id with the error that failed its
// pending call, so a caller awaiting that id can see both (§8 property 6
// asks that "each formerly-pending slot has been failed with
// connection_closed" — carrying the id lets the host log which call).
type IDError struct {
	ID  uint32
	Err error
}

func (e *IDError) Error() string {
	return fmt.Sprintf("id %d: %v", e.ID, e.Err)
}

func (e *IDError) Unwrap() error { return e.Err }
