package wire

import "errors"

// Transport- and decode-level error sentinels, wrapped with fmt.Errorf
// at the call site for added context.
var (
	// ErrFrameTooLarge indicates an outbound payload would exceed the
	// maximum frame payload (65519 bytes). The fragmenter must prevent
	// this from ever reaching the frame codec.
	ErrFrameTooLarge = errors.New("wire: frame payload exceeds maximum size")

	// ErrFrameTruncated indicates the stream ended before a full frame
	// (header or payload) could be read.
	ErrFrameTruncated = errors.New("wire: frame truncated")

	// ErrBadType indicates an unrecognized frame header type byte.
	ErrBadType = errors.New("wire: unknown frame type")

	// ErrUnknownMessageType indicates a message codec was asked to
	// encode or decode a type it has no RW pair for.
	ErrUnknownMessageType = errors.New("wire: unknown message type")

	// ErrDecodeTruncated indicates a declared length field referenced
	// more bytes than remained in the payload.
	ErrDecodeTruncated = errors.New("wire: decode truncated")

	// ErrBadChecksum indicates an inbound checksum verification failure.
	ErrBadChecksum = errors.New("wire: checksum mismatch")

	// ErrOrphanContinuation indicates a continuation frame arrived for
	// an id with no buffered fragments.
	ErrOrphanContinuation = errors.New("wire: continuation frame for unknown id")

	// ErrFragmentSequenceViolation indicates a non-continuation call
	// frame arrived for an id that already has buffered fragments.
	ErrFragmentSequenceViolation = errors.New("wire: fragment sequence violation")
)
