package usercall

import (
	"context"
	"io"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/enclave-net/errors"
)

func newTestHost(t *testing.T, mutate func(*Config)) *Host {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DialTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := New(cfg)
	require.NoError(t, err)
	h.WithLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func loopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// closedPort returns a loopback address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = -1
	_, err := New(cfg)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestHost_ConnectReadWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln := loopbackListener(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	h := newTestHost(t, nil)
	c, err := h.ConnectStream(context.Background(), ln.Addr().String())
	require.NoError(t, err)

	conn, err := c.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.NotZero(t, conn.Fd)
	assert.Equal(t, ln.Addr().String(), conn.Peer.String())
	assert.True(t, conn.Local.Addr().IsLoopback())

	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	n, err := h.Write(conn.Fd, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	n, err = h.Read(conn.Fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	local, err := h.LocalAddr(conn.Fd)
	require.NoError(t, err)
	assert.Equal(t, conn.Local, local)
	peer, err := h.PeerAddr(conn.Fd)
	require.NoError(t, err)
	assert.Equal(t, conn.Peer, peer)

	require.NoError(t, h.Shutdown(conn.Fd, ShutdownWrite))
	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, server.Close())
	_, err = h.Read(conn.Fd, buf)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, h.CloseSocket(conn.Fd))
	assert.Zero(t, h.OpenSockets())
	require.NoError(t, h.Close())
}

func TestHost_ConnectRefused(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newTestHost(t, nil)
	c, err := h.ConnectStream(context.Background(), closedPort(t))
	require.NoError(t, err, "a refused connect is reported through the completion")

	_, err = c.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionRefused), "got %v", err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.NoError(t, h.Close())
}

func TestHost_ConnectParseErrors(t *testing.T) {
	h := newTestHost(t, nil)
	for _, addr := range []string{"", "127.0.0.1", "127.0.0.1:http", "127.0.0.1:70000", ":80"} {
		_, err := h.ConnectStream(context.Background(), addr)
		assert.True(t, errors.IsKind(err, errors.KindInvalidInput), "addr %q: %v", addr, err)
	}
}

func TestHost_EgressDenied(t *testing.T) {
	h := newTestHost(t, func(c *Config) {
		c.AllowedNetworks = []string{"10.0.0.0/8"}
	})

	before := testutil.ToFloat64(usercallTotal.WithLabelValues(opConnect, string(errors.KindAccessDenied)))

	c, err := h.ConnectStream(context.Background(), "127.0.0.1:80")
	assert.Nil(t, c, "denied egress must not create a completion")
	assert.True(t, errors.IsKind(err, errors.KindAccessDenied))

	after := testutil.ToFloat64(usercallTotal.WithLabelValues(opConnect, string(errors.KindAccessDenied)))
	assert.Equal(t, before+1, after)
}

func TestHost_BindAccept(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newTestHost(t, nil)
	l, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotZero(t, l.Local.Port())

	c, err := h.AcceptStream(context.Background(), l.Fd)
	require.NoError(t, err)
	_, err = c.Poll()
	assert.True(t, errors.IsKind(err, errors.KindWouldBlock))

	client, err := net.Dial("tcp", l.Local.String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := c.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().String(), conn.Peer.String())
	assert.Equal(t, l.Local, conn.Local)

	require.NoError(t, h.Close())
	assert.Zero(t, h.OpenSockets())
}

func TestHost_BindAddressInUse(t *testing.T) {
	ln := loopbackListener(t)
	h := newTestHost(t, nil)

	_, err := h.BindStream(context.Background(), ln.Addr().String())
	assert.True(t, errors.IsKind(err, errors.KindAddressInUse), "got %v", err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

func TestHost_CancelAccept(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newTestHost(t, nil)
	l, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	c, err := h.AcceptStream(context.Background(), l.Fd)
	require.NoError(t, err)
	c.Cancel()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled accept did not finish")
	}
	_, err = c.Poll()
	assert.True(t, errors.IsKind(err, errors.KindCanceled))

	// the listener still serves the next accept
	c2, err := h.AcceptStream(context.Background(), l.Fd)
	require.NoError(t, err)
	client, err := net.Dial("tcp", l.Local.String())
	require.NoError(t, err)
	defer client.Close()
	_, err = c2.Wait(waitCtx(t))
	require.NoError(t, err)

	require.NoError(t, h.Close())
}

func TestHost_MaxPendingRejectsWithWouldBlock(t *testing.T) {
	h := newTestHost(t, func(c *Config) { c.MaxPending = 1 })

	l, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	first, err := h.AcceptStream(context.Background(), l.Fd)
	require.NoError(t, err)

	_, err = h.AcceptStream(context.Background(), l.Fd)
	assert.True(t, errors.IsKind(err, errors.KindWouldBlock), "got %v", err)

	first.Cancel()
	<-first.Done()

	require.Eventually(t, func() bool {
		c, err := h.AcceptStream(context.Background(), l.Fd)
		if err != nil {
			return false
		}
		c.Cancel()
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHost_RateLimitRejectsWithWouldBlock(t *testing.T) {
	h := newTestHost(t, func(c *Config) {
		c.Rate = 0.001
		c.Burst = 1
	})

	_, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	_, err = h.BindStream(context.Background(), "127.0.0.1:0")
	assert.True(t, errors.IsKind(err, errors.KindWouldBlock), "got %v", err)
}

func TestHost_BadHandles(t *testing.T) {
	h := newTestHost(t, nil)

	l, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	_, err = h.Read(l.Fd, make([]byte, 1))
	assert.True(t, errors.IsKind(err, errors.KindBadHandle), "listener is not a stream")

	_, err = h.AcceptStream(context.Background(), 999)
	assert.True(t, errors.IsKind(err, errors.KindBadHandle))

	_, err = h.PeerAddr(0)
	assert.True(t, errors.IsKind(err, errors.KindBadHandle))

	assert.NoError(t, h.CloseSocket(l.Fd))
	assert.True(t, errors.IsKind(h.CloseSocket(l.Fd), errors.KindBadHandle))
}

func TestHost_CloseCancelsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := DefaultConfig()
	h, err := New(cfg)
	require.NoError(t, err)

	l, err := h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	c, err := h.AcceptStream(context.Background(), l.Fd)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.True(t, c.Ready())
	_, err = c.Poll()
	assert.Error(t, err)

	_, err = h.ConnectStream(context.Background(), "127.0.0.1:80")
	assert.True(t, errors.IsKind(err, errors.KindClosed))
	_, err = h.BindStream(context.Background(), "127.0.0.1:0")
	assert.True(t, errors.IsKind(err, errors.KindClosed))
}

func TestHost_LogsWithConfiguredLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	h, err := New(DefaultConfig())
	require.NoError(t, err)
	h.WithLogger(zap.New(core))
	defer h.Close()

	_, err = h.BindStream(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("bind usercall completed").Len())
	created := 0
	for _, e := range logs.FilterMessage("socket table").All() {
		fields := e.ContextMap()
		if fields["event"] == "created" && fields["type"] == "listener" {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestHost_Permitted(t *testing.T) {
	h := newTestHost(t, func(c *Config) {
		c.AllowedNetworks = []string{"192.168.0.0/16", "2001:db8::/32"}
	})

	assert.True(t, h.permitted(netip.MustParseAddr("192.168.1.1")))
	assert.True(t, h.permitted(netip.MustParseAddr("::ffff:192.168.1.1")))
	assert.True(t, h.permitted(netip.MustParseAddr("2001:db8::1")))
	assert.False(t, h.permitted(netip.MustParseAddr("10.0.0.1")))
}
