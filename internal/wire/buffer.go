package wire

import (
	"encoding/binary"
	"fmt"
)

// reader walks a payload byte slice left to right, raising
// ErrDecodeTruncated the moment a read would need more bytes than
// remain. It never trusts a declared length past the buffer's end.
type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) remaining() int {
	return len(r.b) - r.pos
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrDecodeTruncated, n, r.remaining())
	}
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// str8 reads a u8-length-prefixed string.
func (r *reader) str8() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// str16 reads a u16-length-prefixed string.
func (r *reader) str16() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// arg reads a u16-length-prefixed argument chunk (raw bytes, not a string).
func (r *reader) arg() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// writer accumulates an encoded payload.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// str8 writes a u8-length-prefixed string. Callers must ensure len(s) <= 255.
func (w *writer) str8(s string) {
	w.byte(byte(len(s)))
	w.buf = append(w.buf, s...)
}

// str16 writes a u16-length-prefixed string.
func (w *writer) str16(s string) {
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// arg writes a u16-length-prefixed argument chunk.
func (w *writer) arg(b []byte) {
	w.uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) bytes() []byte {
	return w.buf
}
