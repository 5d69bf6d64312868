package protocore_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/protocore"
)

func pipePair(t *testing.T, opts ...protocore.Option) (client, server *protocore.Connection) {
	t.Helper()
	c1, c2 := net.Pipe()

	var wg sync.WaitGroup
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		client, clientErr = protocore.OpenOutgoing(context.Background(), c1, protocore.Identity{HostPort: "10.0.0.1:4040", ProcessName: "client[1]"}, opts...)
	}()
	go func() {
		defer wg.Done()
		server, serverErr = protocore.AcceptIncoming(context.Background(), c2, protocore.Identity{HostPort: "10.0.0.2:4040", ProcessName: "server[1]"}, opts...)
	}()
	wg.Wait()
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	return client, server
}

func TestFacade_SendAndHandle(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	server.SetRequestHandler(func(ctx context.Context, id uint32, req *protocore.Message) *protocore.Message {
		assert.Equal(t, "shop", req.Service)
		return protocore.NewResponse(nil, protocore.ChecksumCRC32, nil, append([]byte("hello, "), req.Arg3...))
	})

	req := protocore.NewRequest("shop", 2000, map[string]string{"x-trace": "abc"}, protocore.ChecksumCRC32, []byte("greet"), nil, []byte("world"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(resp.Arg3))
}

func TestFacade_HandlerReturningNilSendsNoResponse(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	handled := make(chan struct{}, 1)
	server.SetRequestHandler(func(ctx context.Context, id uint32, req *protocore.Message) *protocore.Message {
		handled <- struct{}{}
		return nil
	})

	req := protocore.NewRequest("shop", 2000, nil, protocore.ChecksumNone, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestFacade_Ping(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx))
}

func TestFacade_PeerIdentity(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	peer, ok := client.PeerIdentity()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:4040", peer.HostPort)
	assert.Equal(t, "server[1]", peer.ProcessName)
}

func TestFacade_CloseIsIdempotentAndMarksClosed(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	assert.False(t, client.IsClosed())
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())
}

func TestFacade_CancelAfterSendDoesNotPanic(t *testing.T) {
	client, server := pipePair(t)
	defer client.Close()
	defer server.Close()

	server.SetRequestHandler(func(ctx context.Context, id uint32, req *protocore.Message) *protocore.Message {
		time.Sleep(500 * time.Millisecond)
		return protocore.NewResponse(nil, protocore.ChecksumNone, nil, nil)
	})

	req := protocore.NewRequest("shop", 2000, nil, protocore.ChecksumNone, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var sendErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, sendErr = client.Send(ctx, req)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Cancel(context.Background(), 1, "client gave up"))
	wg.Wait()
	assert.Error(t, sendErr)
}
