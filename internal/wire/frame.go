package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Header is the fixed 16-byte frame header.
//
//	size (u16) | type (u8) | reserved (u8) | id (u32) | <8 bytes unused>
//
// The layout reserves bytes beyond the four documented fields for
// future protocol extension, mirroring the wire format this engine
// targets; this codec never reads or writes meaning into them beyond
// zero-filling on write.
type Header struct {
	// Size is the total frame size in bytes, header included.
	Size uint16

	// Type is the message type carried by the frame's payload.
	Type Type

	// ID is the correlation id linking a request to its response.
	ID uint32
}

// Frame is a single unit written to or read from the wire: a header
// plus the opaque payload bytes it describes.
type Frame struct {
	Header  Header
	Payload []byte
}

// ReadFrame reads one frame from r.
//
// It reads the 2-byte size prefix first, then the remaining
// size-2 bytes, matching the wire's length-prefixed envelope. The
// first 14 bytes of that remainder are the rest of the header; any
// bytes after are the payload.
func ReadFrame(r *bufio.Reader) (*Frame, error) {
	sizeBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, fmt.Errorf("%w: reading size prefix: %v", ErrFrameTruncated, err)
	}
	size := binary.BigEndian.Uint16(sizeBuf)
	if int(size) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: declared size %d below header size", ErrFrameTruncated, size)
	}

	rest := make([]byte, int(size)-2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", ErrFrameTruncated, err)
	}

	typ := Type(rest[0])
	if !typ.IsValid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, rest[0])
	}
	// rest[1] is the reserved byte; rest[2:6] is the 4-byte id (frame
	// bytes 4-7); rest[6:14] are the unused header bytes.
	id := binary.BigEndian.Uint32(rest[2:6])

	payload := rest[FrameHeaderSize-2:]

	return &Frame{
		Header: Header{
			Size: size,
			Type: typ,
			ID:   id,
		},
		Payload: payload,
	}, nil
}

// WriteFrame writes f to w, computing the size field from the payload
// length. Returns ErrFrameTooLarge if the payload exceeds MaxPayloadSize.
func WriteFrame(w *bufio.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	if !f.Header.Type.IsValid() {
		return fmt.Errorf("%w: 0x%02x", ErrBadType, byte(f.Header.Type))
	}

	size := FrameHeaderSize + len(f.Payload)
	buf := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = byte(f.Header.Type)
	buf[3] = 0 // reserved
	binary.BigEndian.PutUint32(buf[4:8], f.Header.ID)
	// buf[8:16] left zero: unused header bytes.

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: writing frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("wire: writing frame payload: %w", err)
		}
	}
	return w.Flush()
}

// Encode serializes f to a single byte slice, without flushing through
// a bufio.Writer. Used by the connection's send path, which hands all
// frames of one message to its writer goroutine for a single flush.
func Encode(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	if !f.Header.Type.IsValid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, byte(f.Header.Type))
	}

	size := FrameHeaderSize + len(f.Payload)
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	buf[2] = byte(f.Header.Type)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], f.Header.ID)
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// Decode parses a single frame from a byte slice already known to
// contain exactly one frame (no additional I/O). Used by tests and by
// Encode's round-trip property.
func Decode(b []byte) (*Frame, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: short buffer", ErrFrameTruncated)
	}
	size := binary.BigEndian.Uint16(b[0:2])
	if int(size) != len(b) {
		return nil, fmt.Errorf("%w: declared size %d, got %d bytes", ErrFrameTruncated, size, len(b))
	}
	if int(size) < FrameHeaderSize {
		return nil, fmt.Errorf("%w: declared size %d below header size", ErrFrameTruncated, size)
	}
	typ := Type(b[2])
	if !typ.IsValid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, b[2])
	}
	id := binary.BigEndian.Uint32(b[4:8])
	payload := b[FrameHeaderSize:]
	return &Frame{
		Header:  Header{Size: size, Type: typ, ID: id},
		Payload: payload,
	}, nil
}
