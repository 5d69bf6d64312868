// Package engine implements the connection-level protocol engine: the
// handshake state machine, the read loop that turns wire frames into
// typed messages, the send path that assigns ids and tracks responses,
// and the correlation table routing inbound responses to waiters
// (spec §4.4, §4.5).
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coregx/protocore/internal/checksum"
	"github.com/coregx/protocore/internal/wire"
)

// State is one of the connection lifecycle states (§3's Connection state).
type State int

// Connection states, matching the table in spec.md §4.4.
const (
	StateNew State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is the host_port / process_name pair a peer announces
// during the handshake (§4.4).
type Identity struct {
	HostPort    string
	ProcessName string
}

func (id Identity) headers() wire.Headers {
	return wire.Headers{"host_port": id.HostPort, "process_name": id.ProcessName}
}

func identityFromHeaders(h wire.Headers) (Identity, error) {
	hostPort, ok := h["host_port"]
	if !ok || hostPort == "" {
		return Identity{}, fmt.Errorf("%w: host_port", ErrMissingHandshakeHeader)
	}
	processName, ok := h["process_name"]
	if !ok || processName == "" {
		return Identity{}, fmt.Errorf("%w: process_name", ErrMissingHandshakeHeader)
	}
	return Identity{HostPort: hostPort, ProcessName: processName}, nil
}

// RequestHandler processes one reassembled inbound call request and
// returns the response to send back with the same id (§4.4's "Inbound
// handler contract"). An error return (or a panic, which the engine
// recovers) is converted into an outbound error message with code
// unexpected, per §4.4.
type RequestHandler func(ctx context.Context, id uint32, req *wire.CallMessage) (*wire.CallMessage, error)

// outboundJob is one logical message's worth of already-encoded frames,
// submitted to the single writer goroutine so fragments of one message
// always reach the wire contiguously (§5).
type outboundJob struct {
	frames [][]byte
	result chan error
}

// Connection owns exactly one byte stream and drives the protocol
// engine over it (§4.4). Construct with OpenOutgoing or AcceptIncoming;
// the zero value is not usable.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	outbound chan outboundJob
	closed   chan struct{}
	closeOnce sync.Once

	handshakeCh chan *wire.Frame

	mu                sync.Mutex
	state             State
	remote            Identity
	haveRemote        bool
	negotiatedVersion uint16

	idCounter uint32

	pending     *Table
	reassembler *wire.Reassembler
	checksums   *checksum.Registry

	handlerMu sync.RWMutex
	handler   RequestHandler

	events EventSink
	log    zerolog.Logger
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithEventSink installs the sink that receives connection-open,
// connection-close, orphan-response and decode-error events (§6).
// Absence (the default) means events are discarded.
func WithEventSink(sink EventSink) Option {
	return func(c *Connection) { c.events = sink }
}

// WithLogger installs a zerolog.Logger the engine uses for its own
// diagnostic logging, independent of the EventSink. Defaults to
// zerolog.Nop().
func WithLogger(log zerolog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// WithChecksumRegistry overrides the checksum routines available to
// this connection. Defaults to checksum.NewRegistry() (crc32 + crc32c).
func WithChecksumRegistry(reg *checksum.Registry) Option {
	return func(c *Connection) { c.checksums = reg }
}

func newConnection(conn net.Conn, opts []Option) *Connection {
	c := &Connection{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		outbound:    make(chan outboundJob),
		closed:      make(chan struct{}),
		handshakeCh: make(chan *wire.Frame),
		state:       StateNew,
		pending:     NewTable(),
		checksums:   checksum.NewRegistry(),
		events:      discardSink{},
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reassembler = wire.NewReassembler(c.checksums.Compute)
	return c
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the connection has transitioned to closed.
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// PeerIdentity returns the peer's announced identity and whether the
// handshake has completed enough to know it.
func (c *Connection) PeerIdentity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote, c.haveRemote
}

func (c *Connection) nextID() uint32 {
	return atomic.AddUint32(&c.idCounter, 1)
}

// OpenOutgoing wraps an already-connected stream and performs the
// handshake as initiator: send init_req, await init_res (§4.4, §6).
func OpenOutgoing(ctx context.Context, conn net.Conn, local Identity, opts ...Option) (*Connection, error) {
	c := newConnection(conn, opts)
	c.setState(StateHandshaking)
	go c.writeLoop()
	go c.readLoop()

	initPayload, err := wire.EncodeSimple(wire.NewInitRequest(local.headers()))
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.TypeInitReq, ID: 0}, Payload: initPayload}
	if err := c.writeFrames([]*wire.Frame{frame}); err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	resp, err := c.awaitHandshakeFrame(ctx)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if resp.Header.Type != wire.TypeInitRes {
		cause := fmt.Errorf("%w: expected init_res, got %s", ErrHandshakeProtocolViolation, resp.Header.Type)
		_ = c.closeWithCause(cause)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, cause)
	}
	msg, err := wire.DecodeSimple(wire.TypeInitRes, resp.Payload)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	initMsg := msg.(*wire.InitMessage)
	remote, err := identityFromHeaders(initMsg.Headers)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.remote = remote
	c.haveRemote = true
	c.negotiatedVersion = initMsg.Version
	c.state = StateReady
	c.mu.Unlock()

	c.events.OnEvent(Event{Kind: EventConnectionOpen})
	return c, nil
}

// AcceptIncoming wraps an already-connected stream and performs the
// handshake as acceptor: await init_req, reply init_res with the same
// message id (§4.4, §6).
func AcceptIncoming(ctx context.Context, conn net.Conn, local Identity, opts ...Option) (*Connection, error) {
	c := newConnection(conn, opts)
	c.setState(StateHandshaking)
	go c.writeLoop()
	go c.readLoop()

	req, err := c.awaitHandshakeFrame(ctx)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if req.Header.Type != wire.TypeInitReq {
		cause := fmt.Errorf("%w: expected init_req, got %s", ErrHandshakeProtocolViolation, req.Header.Type)
		_ = c.closeWithCause(cause)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, cause)
	}
	msg, err := wire.DecodeSimple(wire.TypeInitReq, req.Payload)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	initMsg := msg.(*wire.InitMessage)
	remote, err := identityFromHeaders(initMsg.Headers)
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	resPayload, err := wire.EncodeSimple(wire.NewInitResponse(local.headers()))
	if err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	reply := &wire.Frame{Header: wire.Header{Type: wire.TypeInitRes, ID: req.Header.ID}, Payload: resPayload}
	if err := c.writeFrames([]*wire.Frame{reply}); err != nil {
		_ = c.closeWithCause(err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.remote = remote
	c.haveRemote = true
	c.negotiatedVersion = initMsg.Version
	c.state = StateReady
	c.mu.Unlock()

	c.events.OnEvent(Event{Kind: EventConnectionOpen})
	return c, nil
}

func (c *Connection) awaitHandshakeFrame(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-c.handshakeCh:
		return f, nil
	case <-c.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetRequestHandler registers the function invoked for each reassembled
// inbound call request (§6). Safe to call at any time; nil clears it.
func (c *Connection) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *Connection) requestHandler() RequestHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Send issues a call request and blocks until the matching response
// arrives, the connection closes, or ctx is cancelled (§6, §8 property 5).
func (c *Connection) Send(ctx context.Context, msg *wire.CallMessage) (*wire.CallMessage, error) {
	switch c.State() {
	case StateClosed:
		return nil, ErrConnectionClosed
	case StateReady:
	default:
		return nil, ErrNotReady
	}

	id := c.nextID()
	call, err := c.pending.Insert(id)
	if err != nil {
		return nil, err
	}

	if isZeroTracing(msg.Tracing) {
		msg.Tracing = freshTracing()
	}

	frames, err := wire.Fragment(msg, id, c.checksums.Compute)
	if err != nil {
		c.pending.Take(id)
		return nil, err
	}

	if err := c.writeFrames(frames); err != nil {
		c.pending.Take(id)
		return nil, err
	}

	resp, err := call.Wait(ctx)
	if err != nil {
		// Remove the slot so a late response is treated as orphaned.
		c.pending.Take(id)
		return nil, err
	}
	return resp.(*wire.CallMessage), nil
}

// Ping sends a ping_req and blocks until the matching ping_res arrives.
func (c *Connection) Ping(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return ErrConnectionClosed
	case StateReady:
	default:
		return ErrNotReady
	}
	id := c.nextID()
	call, err := c.pending.Insert(id)
	if err != nil {
		return err
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.TypePingReq, ID: id}}
	if err := c.writeFrames([]*wire.Frame{frame}); err != nil {
		c.pending.Take(id)
		return err
	}
	_, err = call.Wait(ctx)
	return err
}

// Cancel best-effort notifies the peer that id should be abandoned, and
// removes it from this side's pending table regardless of whether the
// peer honors cancel (§5, §9 open question #2). A response that later
// arrives for id is treated as an orphan response, since the slot is
// already gone.
func (c *Connection) Cancel(ctx context.Context, id uint32, why string) error {
	call, ok := c.pending.Take(id)
	if ok {
		call.resolve(Result{Err: fmt.Errorf("%w: id %d", context.Canceled, id)})
	}
	msg := &wire.CancelMessage{Why: why}
	payload, err := wire.EncodeSimple(msg)
	if err != nil {
		return err
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.TypeCancel, ID: id}, Payload: payload}
	return c.writeFrames([]*wire.Frame{frame})
}

func (c *Connection) writeFrames(frames []*wire.Frame) error {
	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		b, err := wire.Encode(f)
		if err != nil {
			return err
		}
		encoded[i] = b
	}
	result := make(chan error, 1)
	select {
	case c.outbound <- outboundJob{frames: encoded, result: result}:
	case <-c.closed:
		return ErrConnectionClosed
	}
	select {
	case err := <-result:
		return err
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// writeLoop is the single consumer serializing all outbound frames, so
// fragments of one logical message are never interleaved with another's
// (§5, §9's "outbound queue of (id, frames) with one writer task").
func (c *Connection) writeLoop() {
	for {
		select {
		case job := <-c.outbound:
			var err error
			for _, f := range job.frames {
				if _, werr := c.writer.Write(f); werr != nil {
					err = werr
					break
				}
			}
			if err == nil {
				err = c.writer.Flush()
			}
			job.result <- err
		case <-c.closed:
			return
		}
	}
}

// readLoop is the single reader task (§5): it reads frames until the
// stream fails, dispatching each to the handshake waiter or the
// protocol dispatch table.
func (c *Connection) readLoop() {
	for {
		frame, err := wire.ReadFrame(c.reader)
		if err != nil {
			_ = c.closeWithCause(err)
			return
		}
		if stop := c.dispatch(frame); stop {
			return
		}
	}
}

// dispatch routes one inbound frame per §4.4's table. It returns
// stop=true if the connection was closed as a result.
func (c *Connection) dispatch(frame *wire.Frame) (stop bool) {
	state := c.State()
	if state == StateClosed {
		return true
	}

	if frame.Header.Type == wire.TypeInitReq || frame.Header.Type == wire.TypeInitRes {
		if state != StateHandshaking {
			_ = c.closeWithCause(fmt.Errorf("%w: duplicate %s", ErrHandshakeAfterReady, frame.Header.Type))
			return true
		}
		select {
		case c.handshakeCh <- frame:
		case <-c.closed:
			return true
		}
		return false
	}

	if state != StateReady {
		_ = c.closeWithCause(fmt.Errorf("%w: %s received before ready", ErrHandshakeProtocolViolation, frame.Header.Type))
		return true
	}

	switch frame.Header.Type {
	case wire.TypeCallReq, wire.TypeCallReqContinue:
		return c.dispatchInboundRequest(frame)
	case wire.TypeCallRes, wire.TypeCallResContinue:
		return c.dispatchInboundResponse(frame)
	case wire.TypePingReq:
		go c.replyPing(frame.Header.ID)
		return false
	case wire.TypePingRes:
		c.completePending(frame.Header.ID, Result{})
		return false
	case wire.TypeError:
		c.dispatchInboundError(frame)
		return false
	case wire.TypeCancel, wire.TypeClaim:
		// Accepted and dropped: inbound cancel and claim frames are not
		// decoded, not passed to the request handler, and get no reply
		// (§9 open question 2).
		return false
	default:
		c.events.OnEvent(Event{Kind: EventDecodeError, ID: frame.Header.ID, Cause: fmt.Errorf("%w: %s", wire.ErrUnknownMessageType, frame.Header.Type)})
		return false
	}
}

func isFragmentProtocolError(err error) bool {
	return errors.Is(err, wire.ErrOrphanContinuation) || errors.Is(err, wire.ErrFragmentSequenceViolation)
}

func (c *Connection) dispatchInboundRequest(frame *wire.Frame) (stop bool) {
	msg, done, err := c.reassembler.Feed(frame)
	if err != nil {
		if isFragmentProtocolError(err) {
			_ = c.closeWithCause(err)
			return true
		}
		// Decode error on an inbound request: answer with an outbound
		// error using the request's id; do not close (§7).
		c.events.OnEvent(Event{Kind: EventDecodeError, ID: frame.Header.ID, Cause: err})
		go c.sendErrorResponse(frame.Header.ID, wire.ErrorCodeBadRequest, err.Error())
		return false
	}
	if !done {
		return false
	}
	go c.handleInboundRequest(frame.Header.ID, msg)
	return false
}

func (c *Connection) handleInboundRequest(id uint32, req *wire.CallMessage) {
	handler := c.requestHandler()
	if handler == nil {
		c.sendErrorResponse(id, wire.ErrorCodeDeclined, "no request handler registered")
		return
	}

	resp, herr := c.invokeHandler(handler, id, req)
	if herr != nil {
		c.sendErrorResponse(id, wire.ErrorCodeUnexpected, herr.Error())
		return
	}
	if resp == nil {
		return
	}
	if isZeroTracing(resp.Tracing) {
		resp.Tracing = req.Tracing
	}

	frames, err := wire.Fragment(resp, id, c.checksums.Compute)
	if err != nil {
		c.sendErrorResponse(id, wire.ErrorCodeUnexpected, err.Error())
		return
	}
	if err := c.writeFrames(frames); err != nil {
		c.log.Warn().Err(err).Uint32("id", id).Msg("writing call response")
	}
}

// invokeHandler calls the registered handler, converting a panic into
// an error result (§4.4's "unhandled handler failure").
func (c *Connection) invokeHandler(handler RequestHandler, id uint32, req *wire.CallMessage) (resp *wire.CallMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(context.Background(), id, req)
}

func (c *Connection) sendErrorResponse(id uint32, code wire.ErrorCode, message string) {
	errMsg := &wire.ErrorMessage{Code: code, Message: message}
	payload, err := wire.EncodeSimple(errMsg)
	if err != nil {
		c.log.Warn().Err(err).Msg("encoding error response")
		return
	}
	frame := &wire.Frame{Header: wire.Header{Type: wire.TypeError, ID: id}, Payload: payload}
	if err := c.writeFrames([]*wire.Frame{frame}); err != nil {
		c.log.Warn().Err(err).Uint32("id", id).Msg("writing error response")
	}
}

func (c *Connection) dispatchInboundResponse(frame *wire.Frame) (stop bool) {
	msg, done, err := c.reassembler.Feed(frame)
	if err != nil {
		if isFragmentProtocolError(err) {
			_ = c.closeWithCause(err)
			return true
		}
		// Decode error on an inbound response: fail that slot only (§7).
		c.events.OnEvent(Event{Kind: EventDecodeError, ID: frame.Header.ID, Cause: err})
		c.completePending(frame.Header.ID, Result{Err: err})
		return false
	}
	if !done {
		return false
	}
	c.completePending(frame.Header.ID, Result{Msg: msg})
	return false
}

func (c *Connection) dispatchInboundError(frame *wire.Frame) {
	msg, err := wire.DecodeSimple(wire.TypeError, frame.Payload)
	if err != nil {
		c.events.OnEvent(Event{Kind: EventDecodeError, ID: frame.Header.ID, Cause: err})
		c.completePending(frame.Header.ID, Result{Err: err})
		return
	}
	errMsg := msg.(*wire.ErrorMessage)
	if call, ok := c.pending.Take(frame.Header.ID); ok {
		call.resolve(Result{Err: fmt.Errorf("%s: %s", errMsg.Code, errMsg.Message)})
		return
	}
	// No matching pending request: surface as a connection-level error,
	// not a reason to close (§4.4's error-dispatch rule).
	c.log.Warn().Uint32("id", frame.Header.ID).Str("code", errMsg.Code.String()).Str("message", errMsg.Message).Msg("connection-level error from peer")
}

// completePending resolves the pending call for id, if any, or emits
// an orphan-response event and drops it otherwise (§4.4, §7).
func (c *Connection) completePending(id uint32, r Result) {
	call, ok := c.pending.Take(id)
	if !ok {
		c.events.OnEvent(Event{Kind: EventOrphanResponse, ID: id, Cause: ErrOrphanResponse})
		return
	}
	call.resolve(r)
}

func (c *Connection) replyPing(id uint32) {
	frame := &wire.Frame{Header: wire.Header{Type: wire.TypePingRes, ID: id}}
	if err := c.writeFrames([]*wire.Frame{frame}); err != nil {
		c.log.Warn().Err(err).Uint32("id", id).Msg("replying to ping")
	}
}

// Close idempotently tears down the connection: stops the loops, closes
// the underlying stream, and drains the pending table with
// connection_closed (§4.4, §8 property 6).
func (c *Connection) Close() error {
	return c.closeWithCause(nil)
}

func (c *Connection) closeWithCause(cause error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closed)
		closeErr = c.conn.Close()
		c.pending.Drain(ErrConnectionClosed)
		c.reassembler.Clear()
		c.events.OnEvent(Event{Kind: EventConnectionClose, Cause: cause})
	})
	return closeErr
}
