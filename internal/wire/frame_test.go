package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip exercises §8 property 1: decode(encode(F)) == F for
// a handful of representative frames.
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    *Frame
	}{
		{"empty_payload", &Frame{Header: Header{Type: TypePingReq, ID: 1}, Payload: nil}},
		{"small_payload", &Frame{Header: Header{Type: TypeCallReq, ID: 42}, Payload: []byte("hello")}},
		{"max_payload", &Frame{Header: Header{Type: TypeCallRes, ID: 7}, Payload: bytes.Repeat([]byte{0xAB}, MaxPayloadSize)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.f)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)

			assert.Equal(t, tt.f.Header.Type, got.Header.Type)
			assert.Equal(t, tt.f.Header.ID, got.Header.ID)
			assert.Equal(t, tt.f.Payload, got.Payload)
			assert.EqualValues(t, FrameHeaderSize+len(tt.f.Payload), got.Header.Size)
		})
	}
}

func TestWriteFrame_TooLarge(t *testing.T) {
	f := &Frame{Header: Header{Type: TypeCallReq, ID: 1}, Payload: make([]byte, MaxPayloadSize+1)}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	err := WriteFrame(w, f)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrame_BadType(t *testing.T) {
	f := &Frame{Header: Header{Type: Type(0x77), ID: 1}}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	err := WriteFrame(w, f)
	assert.ErrorIs(t, err, ErrBadType)
}

func TestReadFrame_TruncatedSizePrefix(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x00}))
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrFrameTruncated)
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	// Declares a 20-byte frame but supplies only the 2-byte size prefix.
	r := bufio.NewReader(bytes.NewReader([]byte{0x00, 0x14}))
	_, err := ReadFrame(r)
	assert.ErrorIs(t, err, ErrFrameTruncated)
}

func TestReadFrame_BadType(t *testing.T) {
	f := &Frame{Header: Header{Type: TypePingReq, ID: 9}}
	b, err := Encode(f)
	require.NoError(t, err)
	b[2] = 0x77 // corrupt the type byte

	r := bufio.NewReader(bytes.NewReader(b))
	_, err = ReadFrame(r)
	assert.ErrorIs(t, err, ErrBadType)
}

func TestReadWriteFrame_Symmetric(t *testing.T) {
	f := &Frame{Header: Header{Type: TypeCallReqContinue, ID: 99}, Payload: []byte("continuation chunk")}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteFrame(w, f))

	got, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, f.Header.Type, got.Header.Type)
	assert.Equal(t, f.Header.ID, got.Header.ID)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecode_DeclaredSizeMismatch(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x20, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrFrameTruncated)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "call_req", TypeCallReq.String())
	assert.Equal(t, "unknown", Type(0x99).String())
}
