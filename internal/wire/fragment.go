package wire

import (
	"fmt"
	"sync"
)

// ChecksumFunc computes the checksum bytes for a given checksum_type
// over data. It is supplied by the collaborator (via
// internal/checksum.Registry.Compute, or any function with this
// signature) and invoked by the fragmenter when framing or reassembling
// call messages.
type ChecksumFunc func(kind byte, data []byte) (uint32, error)

// checksumValueSize returns how many bytes the checksum value occupies
// on the wire for the given checksum_type: 0 for "none", 4 otherwise.
func checksumValueSize(kind byte) int {
	if kind == ChecksumNone {
		return 0
	}
	return 4
}

// Fragment splits a logical call message into an ordered sequence of
// wire frames, all sharing id, the first of type call_req/call_res and
// any subsequent ones of the matching _continue type (§4.3).
//
// The full argument stream (arg1, arg2, arg3, each u16-length-prefixed)
// is serialized once and then sliced mechanically at frame payload
// boundaries: a frame boundary can fall anywhere in that stream,
// including mid length-prefix or mid argument data, and the next
// frame's payload picks up exactly where the previous one left off with
// no re-synchronization marker. This is the resolution of §9's open
// question on fragmented-argument wire layout (see SPEC_FULL.md §4.3).
func Fragment(m *CallMessage, id uint32, checksum ChecksumFunc) ([]*Frame, error) {
	argStream := encodeArgStream(m.Arg1, m.Arg2, m.Arg3)

	checksumValue, err := checksum(m.ChecksumType, argStream)
	if err != nil {
		return nil, fmt.Errorf("wire: computing checksum: %w", err)
	}

	fixed := &writer{}
	if m.request {
		fixed.uint32(m.TTL)
	}
	writeTracing(fixed, m.Tracing)
	if m.request {
		fixed.str8(m.Service)
	}
	writeHeaders(fixed, m.Headers)
	fixedBytes := fixed.bytes()

	csumSize := checksumValueSize(m.ChecksumType)
	// Per-frame envelope overhead: flags(1) + checksum_type(1) + checksum value.
	envelopeOverhead := 2 + csumSize
	firstFrameOverhead := envelopeOverhead + len(fixedBytes)
	contFrameOverhead := envelopeOverhead

	if firstFrameOverhead >= MaxPayloadSize {
		return nil, fmt.Errorf("%w: fixed call fields alone exceed one frame", ErrFrameTooLarge)
	}

	var chunks [][]byte
	remaining := argStream
	budget := MaxPayloadSize - firstFrameOverhead
	if len(remaining) <= budget {
		chunks = append(chunks, remaining)
		remaining = nil
	} else {
		chunks = append(chunks, remaining[:budget])
		remaining = remaining[budget:]
	}
	for len(remaining) > 0 {
		budget = MaxPayloadSize - contFrameOverhead
		if len(remaining) <= budget {
			chunks = append(chunks, remaining)
			remaining = nil
		} else {
			chunks = append(chunks, remaining[:budget])
			remaining = remaining[budget:]
		}
	}

	frames := make([]*Frame, len(chunks))
	for i, chunk := range chunks {
		more := i < len(chunks)-1
		w := &writer{}
		var flags byte
		if more {
			flags |= flagMoreFragments
		}
		w.byte(flags)
		if i == 0 {
			w.raw(fixedBytes)
		}
		w.byte(m.ChecksumType)
		if csumSize > 0 {
			w.uint32(checksumValue)
		}
		w.raw(chunk)

		typ := m.Type()
		if i > 0 {
			typ, _ = typ.ContinuationOf()
		}
		frames[i] = &Frame{
			Header:  Header{Type: typ, ID: id},
			Payload: w.bytes(),
		}
	}
	return frames, nil
}

// partialCall accumulates the fragments of one inbound logical call
// message, keyed by id, until the more-fragments flag clears.
type partialCall struct {
	request      bool
	ttl          uint32
	tracing      Tracing
	service      string
	headers      Headers
	checksumType byte
	checksum     uint32
	argStream    []byte
}

// Reassembler reassembles inbound fragment sequences into complete
// CallMessage values, keyed by correlation id (§4.3, §4.4's
// inbound_fragments table).
type Reassembler struct {
	mu       sync.Mutex
	partials map[uint32]*partialCall
	checksum ChecksumFunc
}

// NewReassembler returns a Reassembler that verifies inbound checksums
// with fn.
func NewReassembler(fn ChecksumFunc) *Reassembler {
	return &Reassembler{partials: make(map[uint32]*partialCall), checksum: fn}
}

// Feed processes one inbound frame belonging to a call message
// (call_req, call_res, or either continuation type). It returns a
// complete CallMessage and done=true once the final fragment (more-
// fragments clear) has been consumed; otherwise it returns done=false
// while the frame's bytes are buffered internally.
func (ra *Reassembler) Feed(f *Frame) (msg *CallMessage, done bool, err error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	id := f.Header.ID
	switch f.Header.Type {
	case TypeCallReq, TypeCallRes:
		if _, exists := ra.partials[id]; exists {
			return nil, false, fmt.Errorf("%w: id %d", ErrFragmentSequenceViolation, id)
		}
		request := f.Header.Type == TypeCallReq
		r := newReader(f.Payload)
		flags, err := r.byte()
		if err != nil {
			return nil, false, fmt.Errorf("call flags: %w", err)
		}
		more := flags&flagMoreFragments != 0

		var ttl uint32
		if request {
			if ttl, err = r.uint32(); err != nil {
				return nil, false, fmt.Errorf("call ttl: %w", err)
			}
		}
		tracing, err := readTracing(r)
		if err != nil {
			return nil, false, err
		}
		var service string
		if request {
			if service, err = r.str8(); err != nil {
				return nil, false, fmt.Errorf("call service: %w", err)
			}
		}
		headers, err := readHeaders(r)
		if err != nil {
			return nil, false, err
		}
		checksumType, err := r.byte()
		if err != nil {
			return nil, false, fmt.Errorf("call checksum type: %w", err)
		}
		checksumValue, err := readChecksumValue(r, checksumType)
		if err != nil {
			return nil, false, err
		}
		chunk, err := r.take(r.remaining())
		if err != nil {
			return nil, false, err
		}

		p := &partialCall{
			request:      request,
			ttl:          ttl,
			tracing:      tracing,
			service:      service,
			headers:      headers,
			checksumType: checksumType,
			checksum:     checksumValue,
			argStream:    append([]byte(nil), chunk...),
		}
		if !more {
			return ra.finish(p)
		}
		ra.partials[id] = p
		return nil, false, nil

	case TypeCallReqContinue, TypeCallResContinue:
		p, ok := ra.partials[id]
		if !ok {
			return nil, false, fmt.Errorf("%w: id %d", ErrOrphanContinuation, id)
		}
		r := newReader(f.Payload)
		flags, err := r.byte()
		if err != nil {
			return nil, false, fmt.Errorf("continue flags: %w", err)
		}
		more := flags&flagMoreFragments != 0
		checksumType, err := r.byte()
		if err != nil {
			return nil, false, fmt.Errorf("continue checksum type: %w", err)
		}
		checksumValue, err := readChecksumValue(r, checksumType)
		if err != nil {
			return nil, false, err
		}
		chunk, err := r.take(r.remaining())
		if err != nil {
			return nil, false, err
		}
		p.argStream = append(p.argStream, chunk...)
		p.checksumType = checksumType
		p.checksum = checksumValue

		if !more {
			delete(ra.partials, id)
			return ra.finish(p)
		}
		return nil, false, nil

	default:
		return nil, false, fmt.Errorf("%w: 0x%02x is not a call frame type", ErrUnknownMessageType, byte(f.Header.Type))
	}
}

// Drop discards any buffered fragments for a single id without
// producing a message. Connection close uses Clear instead.
func (ra *Reassembler) Drop(id uint32) {
	ra.mu.Lock()
	delete(ra.partials, id)
	ra.mu.Unlock()
}

// Clear discards all buffered inbound fragments, used when the owning
// connection closes (§4.4: inbound_fragments must end empty).
func (ra *Reassembler) Clear() {
	ra.mu.Lock()
	ra.partials = make(map[uint32]*partialCall)
	ra.mu.Unlock()
}

// finish parses the completed argument stream and verifies the checksum.
func (ra *Reassembler) finish(p *partialCall) (*CallMessage, bool, error) {
	if ra.checksum != nil {
		want, err := ra.checksum(p.checksumType, p.argStream)
		if err != nil {
			return nil, false, fmt.Errorf("wire: verifying checksum: %w", err)
		}
		if want != p.checksum {
			return nil, false, ErrBadChecksum
		}
	}

	r := newReader(p.argStream)
	arg1, err := r.arg()
	if err != nil {
		return nil, false, fmt.Errorf("arg1: %w", err)
	}
	arg2, err := r.arg()
	if err != nil {
		return nil, false, fmt.Errorf("arg2: %w", err)
	}
	arg3, err := r.arg()
	if err != nil {
		return nil, false, fmt.Errorf("arg3: %w", err)
	}

	return &CallMessage{
		MoreFragments: false,
		TTL:           p.ttl,
		Tracing:       p.tracing,
		Service:       p.service,
		Headers:       p.headers,
		ChecksumType:  p.checksumType,
		ChecksumValue: p.checksum,
		Arg1:          arg1,
		Arg2:          arg2,
		Arg3:          arg3,
		request:       p.request,
	}, true, nil
}

func readChecksumValue(r *reader, kind byte) (uint32, error) {
	if kind == ChecksumNone {
		return 0, nil
	}
	v, err := r.uint32()
	if err != nil {
		return 0, fmt.Errorf("checksum value: %w", err)
	}
	return v, nil
}
