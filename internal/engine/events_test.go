package engine

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventConnectionOpen:  "connection_open",
		EventConnectionClose: "connection_close",
		EventOrphanResponse:  "orphan_response",
		EventDecodeError:     "decode_error",
		EventKind(99):        "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestDiscardSink_DoesNothing(t *testing.T) {
	var s discardSink
	require.NotPanics(t, func() {
		s.OnEvent(Event{Kind: EventOrphanResponse, Cause: errors.New("boom")})
	})
}

func TestZerologSink_LogsEventFields(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	sink := NewZerologSink(log)

	sink.OnEvent(Event{Kind: EventOrphanResponse, ID: 7, Cause: errors.New("no pending slot")})

	out := buf.String()
	assert.Contains(t, out, "orphan_response")
	assert.Contains(t, out, "no pending slot")
	assert.Contains(t, out, `"id":7`)
}

func TestZerologSink_ConnectionCloseLevelDependsOnCause(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	sink := NewZerologSink(log)

	sink.OnEvent(Event{Kind: EventConnectionClose})
	assert.Contains(t, buf.String(), `"level":"info"`)

	buf.Reset()
	sink.OnEvent(Event{Kind: EventConnectionClose, Cause: errors.New("reset by peer")})
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

// recordingSink collects every Event it receives, guarded by a mutex
// since the engine may emit from multiple goroutines (readLoop, Close).
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestConnection_EmitsOpenAndCloseEvents(t *testing.T) {
	sink := &recordingSink{}
	client, server := pipePair(t, WithEventSink(sink))
	defer server.Close()

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		kinds := map[EventKind]bool{}
		for _, e := range sink.snapshot() {
			kinds[e.Kind] = true
		}
		return kinds[EventConnectionOpen] && kinds[EventConnectionClose]
	}, time.Second, time.Millisecond)
}
