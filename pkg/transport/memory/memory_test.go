package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunipkm/peernet/pkg/transport"
)

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Join(), hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	require.NoError(t, a.Broadcast(context.Background(), []byte("hello")))

	for _, n := range []*Node{b, c} {
		select {
		case dg := <-n.Datagrams():
			assert.Equal(t, []byte("hello"), dg.Data)
			assert.Equal(t, a.Endpoint(), dg.From)
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the broadcast", n.Endpoint())
		}
	}

	select {
	case <-a.Datagrams():
		t.Fatal("sender received its own broadcast")
	default:
	}
}

func TestHub_DialAndAccept(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	conn, err := a.Dial(context.Background(), b.Endpoint())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, b.Endpoint(), conn.RemoteEndpoint())

	var accepted transport.Conn
	select {
	case accepted = <-b.Incoming():
	case <-time.After(time.Second):
		t.Fatal("no incoming stream")
	}
	defer accepted.Close()
	assert.Equal(t, a.Endpoint(), accepted.RemoteEndpoint())

	go func() { _, _ = conn.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestHub_DialUnknown(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	defer a.Close()

	_, err := a.Dial(context.Background(), "mem://999")
	assert.Error(t, err)
}

func TestNode_Close(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")
	assert.Equal(t, 1, hub.Len())

	_, ok := <-b.Datagrams()
	assert.False(t, ok, "datagram channel closed")
	_, ok = <-b.Incoming()
	assert.False(t, ok, "incoming channel closed")

	_, err := a.Dial(context.Background(), b.Endpoint())
	assert.Error(t, err)
	assert.ErrorIs(t, b.Broadcast(context.Background(), nil), transport.ErrClosed)
	_, err = b.Dial(context.Background(), a.Endpoint())
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestNode_DialBlockedUntilContextDone(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join(), hub.Join()
	defer a.Close()
	defer b.Close()

	// fill b's accept queue without draining it
	for i := 0; i < incomingBuffer; i++ {
		_, err := a.Dial(context.Background(), b.Endpoint())
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Dial(ctx, b.Endpoint())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_Factory(t *testing.T) {
	hub := NewHub()
	f := hub.Factory()

	t1, err := f(context.Background())
	require.NoError(t, err)
	t2, err := f(context.Background())
	require.NoError(t, err)
	defer t1.Close()
	defer t2.Close()

	assert.NotEqual(t, t1.Endpoint(), t2.Endpoint())
	assert.Equal(t, 2, hub.Len())
}
