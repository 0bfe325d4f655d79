package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echo accepts one connection and copies everything back.
func echo(t *testing.T, l net.Listener, name string) {
	t.Helper()
	go Accept(l, name, func(c net.Conn) {
		defer c.Close()
		io.Copy(c, c)
	})
}

func roundTrip(t *testing.T, d *Dialer, addr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := d.Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	msg := make([]byte, 40_000)
	for i := range msg {
		msg[i] = byte(i)
	}
	go c.Write(msg)

	got := make([]byte, len(msg))
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestTCP(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echo(t, l, "tcp")

	d := NewDialer(TCP{Timeout: time.Second})
	roundTrip(t, d, l.Addr().String())
	roundTrip(t, d, "tcp://"+l.Addr().String())
}

func TestWebSocket(t *testing.T) {
	l, err := ListenWebSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echo(t, l, "ws")

	d := NewDialer(TCP{}, WebSocket{Timeout: time.Second})
	roundTrip(t, d, "ws://"+l.Addr().String())
}

func TestUTP(t *testing.T) {
	server, err := NewUTP("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	echo(t, server, "utp")

	client, err := NewUTP("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	d := NewDialer(client)
	roundTrip(t, d, "utp://"+server.Addr().String())
}

func TestDialerRejectsUnknownScheme(t *testing.T) {
	d := NewDialer(TCP{})
	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1")
	require.ErrorIs(t, err, ErrNoTransport)
}

func TestSplit(t *testing.T) {
	s, hp := Split("utp://1.2.3.4:5")
	require.Equal(t, "utp", s)
	require.Equal(t, "1.2.3.4:5", hp)

	s, hp = Split("1.2.3.4:5")
	require.Empty(t, s)
	require.Equal(t, "1.2.3.4:5", hp)
}

func TestAcceptReturnsOnClose(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- Accept(l, "tcp", func(c net.Conn) { c.Close() }) }()
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return")
	}
}
