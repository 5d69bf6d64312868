package engine

import "sync"

// Registry tracks every live Connection accepted by a demo server, so a
// host process can enumerate peers or shut them all down together. It
// owns its map through a single goroutine rather than a mutex: unlike
// Table (the per-connection correlation table on the engine's hot
// path), registration churn here is low and infrequent, so the
// channel-owned idiom (grounded on websocket.Hub.Run, hub.go) reads
// more plainly than a lock around every lookup. See DESIGN.md.
type Registry struct {
	register   chan *Connection
	unregister chan *Connection
	snapshot   chan chan []*Connection
	done       chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry returns a Registry. Call Run in a goroutine before use.
func NewRegistry() *Registry {
	return &Registry{
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		snapshot:   make(chan chan []*Connection),
		done:       make(chan struct{}),
	}
}

// Run is the Registry's event loop. It blocks until Close is called.
func (r *Registry) Run() {
	r.wg.Add(1)
	defer r.wg.Done()

	conns := make(map[*Connection]struct{})
	for {
		select {
		case c := <-r.register:
			conns[c] = struct{}{}

		case c := <-r.unregister:
			delete(conns, c)

		case reply := <-r.snapshot:
			out := make([]*Connection, 0, len(conns))
			for c := range conns {
				out = append(out, c)
			}
			reply <- out

		case <-r.done:
			for c := range conns {
				_ = c.Close()
			}
			return
		}
	}
}

// Add registers c with the Registry. Typically called right after
// AcceptIncoming succeeds.
func (r *Registry) Add(c *Connection) {
	select {
	case r.register <- c:
	case <-r.done:
	}
}

// Remove unregisters c. Safe to call even if c was never added.
func (r *Registry) Remove(c *Connection) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

// Connections returns a snapshot of every currently registered connection.
func (r *Registry) Connections() []*Connection {
	reply := make(chan []*Connection, 1)
	select {
	case r.snapshot <- reply:
		return <-reply
	case <-r.done:
		return nil
	}
}

// Close stops the event loop and closes every registered connection.
// Safe to call multiple times.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
