package engine

import (
	"github.com/google/uuid"

	"github.com/coregx/protocore/internal/wire"
)

// freshTracing generates a new span id (and, deriving from the same
// random UUID, a trace id) for an outbound call whose caller left the
// tracing block zero-valued. SPEC_FULL.md §3 ADDED: a zero trace id
// would collide across every untraced call on a connection, which is
// harmless for wire compatibility but unhelpful once events are
// correlated through structured logging, so this engine mints one
// instead of leaving it zero.
func freshTracing() wire.Tracing {
	var t wire.Tracing
	trace := uuid.New()
	copy(t.TraceID[:], trace[:8])
	copy(t.SpanID[:], trace[8:16])
	parent := uuid.New()
	copy(t.ParentID[:], parent[:8])
	return t
}

func isZeroTracing(t wire.Tracing) bool {
	var zero wire.Tracing
	zero.Flags = t.Flags
	return t == zero
}
