package engine

import (
	"sync"
	"time"

	"github.com/coregx/protocore/internal/wire"
)

// Result is what a pending call resolves with: either the matching
// response message, or an error (decode failure, connection closed,
// orphaned, etc.).
type Result struct {
	Msg wire.Message
	Err error
}

// Call is a completion slot awaiting the response to one outstanding
// outbound request (§3's "Correlation entry", §4.5's "completion
// slot"). The zero value is not usable; construct with newCall.
type Call struct {
	ID        uint32
	CreatedAt time.Time

	done chan Result
	once sync.Once
}

func newCall(id uint32) *Call {
	return &Call{
		ID:        id,
		CreatedAt: time.Now(),
		done:      make(chan Result, 1),
	}
}

// Wait blocks until the call resolves, the connection closes, or ctx
// is cancelled.
func (c *Call) Wait(ctx ctxDoner) (wire.Message, error) {
	select {
	case r := <-c.done:
		return r.Msg, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve delivers r to the waiter exactly once; later calls are no-ops,
// matching "no slot is fulfilled twice" (§8, property 5).
func (c *Call) resolve(r Result) {
	c.once.Do(func() {
		c.done <- r
	})
}

// ctxDoner is the subset of context.Context that Call.Wait needs,
// declared locally so this file doesn't import context just for a
// two-method interface.
type ctxDoner interface {
	Done() <-chan struct{}
	Err() error
}

// Table is the per-connection correlation table: outstanding request
// id -> pending completion slot (§4.5). It is safe for concurrent use
// by the receive loop (resolving slots) and by send-side producers
// (inserting and cancelling slots) at once.
//
// A plain mutex guards the map directly rather than routing through an
// owning goroutine: Take is called on every inbound response, and a
// channel round-trip per lookup would add a scheduling hop to the
// engine's hottest path. internal/engine's demo-facing Registry (see
// registry.go) uses the single-goroutine-owns-the-map idiom instead,
// where contention is lower and that idiom reads more clearly — both
// styles are drawn from the teacher's websocket.Hub.Run, applied where
// each fits (see DESIGN.md).
type Table struct {
	mu      sync.Mutex
	entries map[uint32]*Call
}

// NewTable returns an empty correlation table.
func NewTable() *Table {
	return &Table{entries: make(map[uint32]*Call)}
}

// Insert creates and registers a new pending call for id. It fails if
// id is already present, since ids must be unique per connection (§3).
func (t *Table) Insert(id uint32) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}
	c := newCall(id)
	t.entries[id] = c
	return c, nil
}

// Take removes and returns the pending call for id, if any. The
// receive loop calls this for every inbound response, error and
// ping_res; a miss on a response or ping_res means it is orphaned, while
// a decoded error frame with no match is logged as a connection-level
// error (§4.4, §7).
func (t *Table) Take(id uint32) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return c, ok
}

// Drain fails every currently-pending call with err and empties the
// table, used on connection close (§4.4, §8 property 6).
func (t *Table) Drain(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[uint32]*Call)
	t.mu.Unlock()

	for id, c := range entries {
		c.resolve(Result{Err: &IDError{ID: id, Err: err}})
	}
}

// Len returns the number of currently pending calls.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
