package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/protocore/internal/wire"
)

func TestTable_InsertDuplicateRejected(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Insert(1)
	require.NoError(t, err)

	_, err = tbl.Insert(1)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestTable_TakeMissing(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Take(99)
	assert.False(t, ok)
}

func TestTable_ResolveExactlyOnce(t *testing.T) {
	tbl := NewTable()
	call, err := tbl.Insert(1)
	require.NoError(t, err)

	msg := &wire.CallMessage{}
	call.resolve(Result{Msg: msg})
	call.resolve(Result{Msg: &wire.CallMessage{Arg3: []byte("second, dropped")}})

	got, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, msg, got)
}

// TestTable_Drain exercises §8 property 6: after Drain, every formerly
// pending call is failed and the table is empty.
func TestTable_Drain(t *testing.T) {
	tbl := NewTable()
	calls := make([]*Call, 0, 10)
	for id := uint32(1); id <= 10; id++ {
		c, err := tbl.Insert(id)
		require.NoError(t, err)
		calls = append(calls, c)
	}
	require.Equal(t, 10, tbl.Len())

	tbl.Drain(ErrConnectionClosed)
	assert.Zero(t, tbl.Len())

	for _, c := range calls {
		_, err := c.Wait(context.Background())
		require.Error(t, err)
		var idErr *IDError
		require.ErrorAs(t, err, &idErr)
		assert.ErrorIs(t, idErr, ErrConnectionClosed)
	}
}

func TestTable_WaitCancelledByContext(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Insert(1)
	require.NoError(t, err)

	call, _ := tbl.Take(1)
	// Re-insert so the slot exists for Wait below, simulating a never-
	// resolved call racing context cancellation.
	tbl.entries[1] = call

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
