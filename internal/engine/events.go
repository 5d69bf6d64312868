package engine

import "github.com/rs/zerolog"

// EventKind identifies the category of a connection-level event
// emitted to the host's EventSink (§6).
type EventKind int

// Event kinds the engine emits. Collaborators switch on Kind to decide
// what to do with an Event; absence of a sink means these are simply
// discarded.
const (
	EventConnectionOpen EventKind = iota
	EventConnectionClose
	EventOrphanResponse
	EventDecodeError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionOpen:
		return "connection_open"
	case EventConnectionClose:
		return "connection_close"
	case EventOrphanResponse:
		return "orphan_response"
	case EventDecodeError:
		return "decode_error"
	default:
		return "unknown"
	}
}

// Event is a single notification describing something that happened on
// a connection. Cause and ID are populated only when relevant to Kind.
type Event struct {
	Kind  EventKind
	Cause error
	ID    uint32
}

// EventSink receives connection-level events (§6). Collaborators
// implement this to feed events into their own logging or metrics;
// absence of a sink means events are discarded.
type EventSink interface {
	OnEvent(Event)
}

// discardSink is the default sink used when a Connection is
// constructed without one: "absence means discard" (§6).
type discardSink struct{}

func (discardSink) OnEvent(Event) {}

// zerologSink adapts a zerolog.Logger into an EventSink, logging each
// event at a level appropriate to its severity. Grounded on
// tzrikka-timpani's convention of injecting a *zerolog.Logger into
// long-lived components rather than reaching for a package-global one.
type zerologSink struct {
	log zerolog.Logger
}

// NewZerologSink returns an EventSink that logs every Event through log.
func NewZerologSink(log zerolog.Logger) EventSink {
	return &zerologSink{log: log}
}

func (s *zerologSink) OnEvent(e Event) {
	evt := s.log.Info()
	switch e.Kind {
	case EventOrphanResponse, EventDecodeError:
		evt = s.log.Warn()
	case EventConnectionClose:
		if e.Cause != nil {
			evt = s.log.Warn()
		}
	}
	evt = evt.Str("event", e.Kind.String())
	if e.ID != 0 {
		evt = evt.Uint32("id", e.ID)
	}
	if e.Cause != nil {
		evt = evt.Err(e.Cause)
	}
	evt.Msg("protocore connection event")
}
