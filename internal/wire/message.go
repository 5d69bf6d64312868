package wire

import "fmt"

// Headers is a count-prefixed sequence of (name, value) string pairs.
// Order is not semantically significant and duplicate names are
// undefined, per the wire format, so a map is a faithful in-memory
// representation.
type Headers map[string]string

func readHeaders(r *reader) (Headers, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("headers count: %w", err)
	}
	h := make(Headers, n)
	for i := 0; i < int(n); i++ {
		name, err := r.str16()
		if err != nil {
			return nil, fmt.Errorf("header %d name: %w", i, err)
		}
		value, err := r.str16()
		if err != nil {
			return nil, fmt.Errorf("header %d value: %w", i, err)
		}
		h[name] = value
	}
	return h, nil
}

func writeHeaders(w *writer, h Headers) {
	w.uint16(uint16(len(h)))
	for name, value := range h {
		w.str16(name)
		w.str16(value)
	}
}

// Tracing is the 25-byte tracing block carried by call and error
// messages: span id, parent id, trace id (8 bytes each) and a flags byte.
type Tracing struct {
	SpanID   [8]byte
	ParentID [8]byte
	TraceID  [8]byte
	Flags    byte
}

func readTracing(r *reader) (Tracing, error) {
	var t Tracing
	b, err := r.take(25)
	if err != nil {
		return t, fmt.Errorf("tracing block: %w", err)
	}
	copy(t.SpanID[:], b[0:8])
	copy(t.ParentID[:], b[8:16])
	copy(t.TraceID[:], b[16:24])
	t.Flags = b[24]
	return t, nil
}

func writeTracing(w *writer, t Tracing) {
	w.raw(t.SpanID[:])
	w.raw(t.ParentID[:])
	w.raw(t.TraceID[:])
	w.byte(t.Flags)
}

// Message is implemented by every typed payload this codec knows how
// to encode and decode.
type Message interface {
	// Type returns the wire message type this value encodes as.
	Type() Type
}

// InitMessage is the init_req / init_res handshake payload. request
// is carried only to select the correct Type() value; both directions
// share the same wire layout (version + headers).
type InitMessage struct {
	Version uint16
	Headers Headers
	request bool
}

// NewInitRequest builds an init_req payload.
func NewInitRequest(headers Headers) *InitMessage {
	return &InitMessage{Version: ProtocolVersion, Headers: headers, request: true}
}

// NewInitResponse builds an init_res payload.
func NewInitResponse(headers Headers) *InitMessage {
	return &InitMessage{Version: ProtocolVersion, Headers: headers, request: false}
}

// Type implements Message.
func (m *InitMessage) Type() Type {
	if m.request {
		return TypeInitReq
	}
	return TypeInitRes
}

func (m *InitMessage) encode() []byte {
	w := &writer{}
	w.uint16(m.Version)
	writeHeaders(w, m.Headers)
	return w.bytes()
}

func decodeInit(payload []byte, request bool) (*InitMessage, error) {
	r := newReader(payload)
	version, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("init version: %w", err)
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	return &InitMessage{Version: version, Headers: headers, request: request}, nil
}

// CallMessage is the call_req / call_res payload, already fully
// reassembled (fragmentation is the fragmenter's concern, not the
// codec's: see fragment.go). Service and TTL are meaningful only on
// requests and are left zero-valued on responses.
type CallMessage struct {
	MoreFragments bool
	TTL           uint32
	Tracing       Tracing
	Service       string
	Headers       Headers
	ChecksumType  byte
	ChecksumValue uint32
	Arg1          []byte
	Arg2          []byte
	Arg3          []byte

	request bool
}

// Type implements Message.
func (m *CallMessage) Type() Type {
	if m.request {
		return TypeCallReq
	}
	return TypeCallRes
}

// NewCallRequest builds an outbound call_req message. arg1 is the
// endpoint/procedure name, arg2 application headers, arg3 the
// application payload.
func NewCallRequest(service string, ttl uint32, tracing Tracing, headers Headers, checksumType byte, arg1, arg2, arg3 []byte) *CallMessage {
	return &CallMessage{
		TTL:          ttl,
		Tracing:      tracing,
		Service:      service,
		Headers:      headers,
		ChecksumType: checksumType,
		Arg1:         arg1,
		Arg2:         arg2,
		Arg3:         arg3,
		request:      true,
	}
}

// NewCallResponse builds an outbound call_res message. arg1 is empty
// on responses per §3.
func NewCallResponse(tracing Tracing, headers Headers, checksumType byte, arg2, arg3 []byte) *CallMessage {
	return &CallMessage{
		Tracing:      tracing,
		Headers:      headers,
		ChecksumType: checksumType,
		Arg1:         nil,
		Arg2:         arg2,
		Arg3:         arg3,
		request:      false,
	}
}

// IsRequest reports whether this is a call_req (vs. call_res) message.
func (m *CallMessage) IsRequest() bool { return m.request }

// encodeArgStream serializes arg1/arg2/arg3 as the flat, back-to-back
// length-prefixed stream the fragmenter slices mechanically (§4.3).
func encodeArgStream(arg1, arg2, arg3 []byte) []byte {
	w := &writer{}
	w.arg(arg1)
	w.arg(arg2)
	w.arg(arg3)
	return w.bytes()
}

// PingMessage is the empty ping_req / ping_res payload.
type PingMessage struct {
	request bool
}

// NewPingRequest builds a ping_req payload.
func NewPingRequest() *PingMessage { return &PingMessage{request: true} }

// NewPingResponse builds a ping_res payload.
func NewPingResponse() *PingMessage { return &PingMessage{request: false} }

// Type implements Message.
func (m *PingMessage) Type() Type {
	if m.request {
		return TypePingReq
	}
	return TypePingRes
}

// ErrorMessage is the error envelope (§3, §7).
type ErrorMessage struct {
	Code    ErrorCode
	Tracing Tracing
	Message string
}

// Type implements Message.
func (m *ErrorMessage) Type() Type { return TypeError }

func (m *ErrorMessage) encode() ([]byte, error) {
	if !m.Code.IsValid() {
		return nil, fmt.Errorf("wire: invalid error code 0x%02x", byte(m.Code))
	}
	w := &writer{}
	w.byte(byte(m.Code))
	writeTracing(w, m.Tracing)
	w.str16(m.Message)
	return w.bytes(), nil
}

func decodeError(payload []byte) (*ErrorMessage, error) {
	r := newReader(payload)
	code, err := r.byte()
	if err != nil {
		return nil, fmt.Errorf("error code: %w", err)
	}
	if !ErrorCode(code).IsValid() {
		return nil, fmt.Errorf("wire: invalid error code 0x%02x", code)
	}
	tracing, err := readTracing(r)
	if err != nil {
		return nil, err
	}
	message, err := r.str16()
	if err != nil {
		return nil, fmt.Errorf("error message: %w", err)
	}
	return &ErrorMessage{Code: ErrorCode(code), Tracing: tracing, Message: message}, nil
}

// CancelMessage asks the peer to abandon an outstanding call. Support
// is optional on the receiving side (§9 open question #2); this engine
// sends it best-effort and never requires a reply.
type CancelMessage struct {
	Tracing Tracing
	Why     string
}

// Type implements Message.
func (m *CancelMessage) Type() Type { return TypeCancel }

func (m *CancelMessage) encode() []byte {
	w := &writer{}
	writeTracing(w, m.Tracing)
	w.str16(m.Why)
	return w.bytes()
}

func decodeCancel(payload []byte) (*CancelMessage, error) {
	r := newReader(payload)
	tracing, err := readTracing(r)
	if err != nil {
		return nil, err
	}
	why, err := r.str16()
	if err != nil {
		return nil, fmt.Errorf("cancel reason: %w", err)
	}
	return &CancelMessage{Tracing: tracing, Why: why}, nil
}

// ClaimMessage claims responsibility for handling a previously
// forwarded call. The codec encodes and decodes it; the engine drops
// inbound claim frames without decoding them, does not pass them to the
// request handler, and sends no reply (§9 open question #2).
type ClaimMessage struct {
	Tracing Tracing
}

// Type implements Message.
func (m *ClaimMessage) Type() Type { return TypeClaim }

func (m *ClaimMessage) encode() []byte {
	w := &writer{}
	writeTracing(w, m.Tracing)
	return w.bytes()
}

func decodeClaim(payload []byte) (*ClaimMessage, error) {
	r := newReader(payload)
	tracing, err := readTracing(r)
	if err != nil {
		return nil, err
	}
	return &ClaimMessage{Tracing: tracing}, nil
}

// DecodeSimple decodes message types whose entire payload fits in one
// frame and requires no fragment reassembly: init, ping, error, cancel,
// claim. Call messages go through the fragmenter instead (fragment.go).
func DecodeSimple(t Type, payload []byte) (Message, error) {
	switch t {
	case TypeInitReq:
		return decodeInit(payload, true)
	case TypeInitRes:
		return decodeInit(payload, false)
	case TypePingReq:
		return &PingMessage{request: true}, nil
	case TypePingRes:
		return &PingMessage{request: false}, nil
	case TypeError:
		return decodeError(payload)
	case TypeCancel:
		return decodeCancel(payload)
	case TypeClaim:
		return decodeClaim(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, byte(t))
	}
}

// EncodeSimple encodes a non-call, non-fragmented message to its wire
// payload.
func EncodeSimple(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *InitMessage:
		return v.encode(), nil
	case *PingMessage:
		return nil, nil
	case *ErrorMessage:
		return v.encode()
	case *CancelMessage:
		return v.encode(), nil
	case *ClaimMessage:
		return v.encode(), nil
	default:
		return nil, fmt.Errorf("%w: %T is a call message, use the fragmenter", ErrUnknownMessageType, m)
	}
}
