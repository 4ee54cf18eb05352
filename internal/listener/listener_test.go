package listener

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoOnce() Handler {
	return HandlerFunc(func(ctx context.Context, conn net.Conn) {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		conn.Write([]byte("echo: " + line))
	})
}

func TestListener_ServesConnections(t *testing.T) {
	l := New("test", "127.0.0.1:0", echoOnce())
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo: hello\n", reply)
}

func TestListener_BindFailure(t *testing.T) {
	first := New("a", "127.0.0.1:0", echoOnce())
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	second := New("b", first.Addr().String(), echoOnce())
	err := second.Start()
	assert.Error(t, err)
	assert.False(t, second.Running())
}

func TestListener_PerIPLimit(t *testing.T) {
	block := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		select {
		case <-block:
		case <-ctx.Done():
		}
	})
	l := New("limited", "127.0.0.1:0", h, WithMaxConnsPerIP(1))
	require.NoError(t, l.Start())
	defer func() {
		close(block)
		l.Stop(context.Background())
	}()

	c1, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	require.Eventually(t, func() bool { return l.ActiveConns() == 1 }, 2*time.Second, 10*time.Millisecond)

	c2, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c2.Read(make([]byte, 1))
	assert.Error(t, err, "second connection should be closed by the listener")
	assert.Equal(t, 1, l.ActiveConns())
}

func TestListener_StopDrainsSessions(t *testing.T) {
	started := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		close(started)
		conn.Read(make([]byte, 1))
	})
	l := New("drain", "127.0.0.1:0", h)
	require.NoError(t, l.Start())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))
	assert.False(t, l.Running())
	assert.Equal(t, 0, l.ActiveConns())
}

func TestListener_RecoversHandlerPanic(t *testing.T) {
	calls := make(chan struct{}, 2)
	h := HandlerFunc(func(ctx context.Context, conn net.Conn) {
		calls <- struct{}{}
		panic("boom")
	})
	l := New("panicky", "127.0.0.1:0", h)
	require.NoError(t, l.Start())
	defer l.Stop(context.Background())

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		conn.Close()
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not invoked")
		}
	}
	assert.True(t, l.Running())
}

func TestLimitListener(t *testing.T) {
	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := NewLimitListener(raw, "http", 1, nil)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	c1, err := net.Dial("tcp", raw.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	server1 := <-accepted
	assert.Equal(t, 1, ln.ActiveConns())

	c2, err := net.Dial("tcp", raw.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c2.Read(make([]byte, 1))
	assert.Error(t, err)

	require.NoError(t, server1.Close())
	server1.Close()
	assert.Equal(t, 0, ln.ActiveConns())
}
