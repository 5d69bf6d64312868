// Package protocore is the public facade over the binary multiplexed
// RPC protocol engine: open or accept a connection, send call requests,
// and answer them (SPEC_FULL.md §6). The wire codec and connection
// engine live under internal/ and are not meant to be imported
// directly; this package is the entire supported surface.
package protocore

import (
	"context"
	"net"

	"github.com/rs/zerolog"

	"github.com/coregx/protocore/internal/checksum"
	"github.com/coregx/protocore/internal/engine"
	"github.com/coregx/protocore/internal/wire"
)

// Identity is the host_port / process_name pair exchanged during the
// handshake (§3, §4.4).
type Identity = engine.Identity

// Message is a fully reassembled call request or response.
type Message = wire.CallMessage

// Option configures a Connection at construction time.
type Option = engine.Option

// Event describes a connection-level occurrence (§6).
type Event = engine.Event

// EventKind identifies the category of an Event.
type EventKind = engine.EventKind

// EventSink receives Events; absence means discard.
type EventSink = engine.EventSink

// Checksum type ids accepted by NewRequest/NewResponse (§4.2).
const (
	ChecksumNone       = wire.ChecksumNone
	ChecksumCRC32      = wire.ChecksumCRC32
	ChecksumCRC32C     = wire.ChecksumCRC32C
	ChecksumFarmhash32 = wire.ChecksumFarmhash32
)

// WithEventSink installs sink on a Connection. Absence (the default)
// means events are discarded.
func WithEventSink(sink EventSink) Option { return engine.WithEventSink(sink) }

// WithLogger installs a zerolog.Logger for the engine's own diagnostic
// logging, independent of the EventSink.
func WithLogger(log zerolog.Logger) Option { return engine.WithLogger(log) }

// WithChecksumRegistry overrides the checksum routines available to a
// Connection. Defaults to crc32 + crc32c.
func WithChecksumRegistry(reg *checksum.Registry) Option {
	return engine.WithChecksumRegistry(reg)
}

// NewChecksumRegistry returns a checksum registry pre-populated with
// crc32 and crc32c, with room to Register custom checksum types (e.g.
// farmhash32) before passing it to WithChecksumRegistry.
func NewChecksumRegistry() *checksum.Registry { return checksum.NewRegistry() }

// NewZerologSink adapts a zerolog.Logger into an EventSink.
func NewZerologSink(log zerolog.Logger) EventSink { return engine.NewZerologSink(log) }

// NewRequest builds a call request message. arg1 is conventionally the
// endpoint/procedure name, arg2 application headers, arg3 the
// application payload (§3).
func NewRequest(service string, ttl uint32, headers map[string]string, checksumType byte, arg1, arg2, arg3 []byte) *Message {
	return wire.NewCallRequest(service, ttl, wire.Tracing{}, wire.Headers(headers), checksumType, arg1, arg2, arg3)
}

// NewResponse builds a call response message. arg1 is always empty on
// responses (§3).
func NewResponse(headers map[string]string, checksumType byte, arg2, arg3 []byte) *Message {
	return wire.NewCallResponse(wire.Tracing{}, wire.Headers(headers), checksumType, arg2, arg3)
}

// RequestHandler answers one reassembled inbound call request. A nil
// return sends no response (e.g. the handler already replied out of
// band); a panic is recovered by the engine and converted into an
// outbound error message with code unexpected (§4.4).
type RequestHandler func(ctx context.Context, id uint32, req *Message) *Message

func adaptHandler(h RequestHandler) engine.RequestHandler {
	if h == nil {
		return nil
	}
	return func(ctx context.Context, id uint32, req *wire.CallMessage) (*wire.CallMessage, error) {
		return h(ctx, id, req), nil
	}
}

// Connection is one multiplexed RPC connection: a single byte stream
// carrying many concurrent, independently-correlated call requests and
// responses (§3, §4.4). Construct with OpenOutgoing or AcceptIncoming.
type Connection struct {
	inner *engine.Connection
}

// OpenOutgoing wraps an already-connected stream and performs the
// handshake as initiator (§4.4, §6).
func OpenOutgoing(ctx context.Context, conn net.Conn, local Identity, opts ...Option) (*Connection, error) {
	inner, err := engine.OpenOutgoing(ctx, conn, local, opts...)
	if err != nil {
		return nil, err
	}
	return &Connection{inner: inner}, nil
}

// AcceptIncoming wraps an already-connected stream and performs the
// handshake as acceptor (§4.4, §6).
func AcceptIncoming(ctx context.Context, conn net.Conn, local Identity, opts ...Option) (*Connection, error) {
	inner, err := engine.AcceptIncoming(ctx, conn, local, opts...)
	if err != nil {
		return nil, err
	}
	return &Connection{inner: inner}, nil
}

// Send issues a call request and blocks for the matching response, for
// cancellation, or for connection close (§6, §8 property 5).
func (c *Connection) Send(ctx context.Context, msg *Message) (*Message, error) {
	return c.inner.Send(ctx, msg)
}

// SetRequestHandler registers the function invoked for each reassembled
// inbound call request (§6). Nil clears it.
func (c *Connection) SetRequestHandler(h RequestHandler) {
	c.inner.SetRequestHandler(adaptHandler(h))
}

// Ping sends a ping_req and blocks until the matching ping_res arrives.
func (c *Connection) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Cancel best-effort notifies the peer that id should be abandoned and
// removes it from this side's pending table (§5, §9 open question #2).
func (c *Connection) Cancel(ctx context.Context, id uint32, why string) error {
	return c.inner.Cancel(ctx, id, why)
}

// Close idempotently tears the connection down, failing every pending
// call with connection_closed (§4.4, §8 property 6).
func (c *Connection) Close() error {
	return c.inner.Close()
}

// IsClosed reports whether the connection has transitioned to closed.
func (c *Connection) IsClosed() bool {
	return c.inner.IsClosed()
}

// PeerIdentity returns the peer's announced identity and whether the
// handshake has completed enough to know it.
func (c *Connection) PeerIdentity() (Identity, bool) {
	return c.inner.PeerIdentity()
}
