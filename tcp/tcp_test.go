package tcp

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/lifecycle"
	"github.com/wippyai/enclave-net/usercall"
)

func newTestNetwork(t *testing.T) *Network {
	t.Helper()
	h, err := usercall.New(usercall.DefaultConfig())
	require.NoError(t, err)
	h.WithLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { _ = h.Close() })
	return NewNetwork(h)
}

// stalledResolver blocks every DNS exchange until release is called, so a
// named connect stays pending.
func stalledResolver() (*net.Resolver, func()) {
	ch := make(chan struct{})
	var once sync.Once
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			select {
			case <-ch:
			case <-ctx.Done():
			}
			return nil, stderrors.New("resolver unavailable")
		},
	}
	return r, func() { once.Do(func() { close(ch) }) }
}

func loopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func closedAddr(t *testing.T) SocketAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())
	return addr
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnect_RoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	ln := loopbackListener(t)
	served := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		defer c.Close()
		_, err = io.Copy(c, c)
		served <- err
	}()

	s, err := n.Connect(testCtx(t), netip.MustParseAddrPort(ln.Addr().String()))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.PhaseReady, s.Phase())

	peer, err := s.PeerAddr()
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), peer.String())
	local, err := s.LocalAddr()
	require.NoError(t, err)
	assert.True(t, local.Addr().IsLoopback())

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	require.NoError(t, s.Shutdown(ShutdownWrite))
	require.NoError(t, <-served)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Read(buf)
	assert.True(t, errors.IsKind(err, errors.KindClosed))

	require.NoError(t, n.Host().Close())
}

func TestConnect_Refused(t *testing.T) {
	n := newTestNetwork(t)

	s, err := n.Connect(testCtx(t), closedAddr(t))
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConnectionRefused), "got %v", err)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
}

func TestConnect_InvalidAddr(t *testing.T) {
	n := newTestNetwork(t)
	_, err := n.Connect(testCtx(t), SocketAddr{})
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestConnectByName_ParseFailsBeforeUsercall(t *testing.T) {
	n := newTestNetwork(t)
	// a closed host fails every usercall with KindClosed, so an
	// invalid-input error proves nothing was sent
	require.NoError(t, n.Host().Close())

	for _, text := range []string{"", "example.com", "example.com:", "example.com:http", "example.com:65536", ":80", "[::1:80"} {
		_, err := n.ConnectByName(testCtx(t), text)
		require.Error(t, err, text)
		assert.True(t, errors.IsKind(err, errors.KindInvalidInput), "%q: %v", text, err)
	}

	_, err := n.ConnectByName(testCtx(t), "example.com:80")
	assert.True(t, errors.IsKind(err, errors.KindClosed))
}

func TestConnectByName_Literal(t *testing.T) {
	n := newTestNetwork(t)
	ln := loopbackListener(t)
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	s, err := n.ConnectByName(testCtx(t), ln.Addr().String())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, ln.Addr().String(), s.Target())
}

func TestStream_NonblockingConnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	resolver, release := stalledResolver()
	defer release()
	n.Host().WithResolver(resolver)

	s := n.NewStream("pending.test:80")
	s.SetNonblocking(true)
	assert.Equal(t, lifecycle.PhaseNew, s.Phase())
	assert.True(t, errors.IsKind(s.Poll(), errors.KindInvalidState), "poll before start")

	require.NoError(t, s.Start(testCtx(t)))
	assert.Equal(t, lifecycle.PhasePending, s.Phase())
	assert.True(t, IsWouldBlock(s.Poll()))

	_, err := s.Read(make([]byte, 1))
	assert.True(t, IsWouldBlock(err), "nonblocking read on a pending stream")
	_, err = s.Write([]byte("x"))
	assert.True(t, IsWouldBlock(err))
	assert.True(t, errors.IsKind(s.Start(testCtx(t)), errors.KindInvalidState), "start twice")

	release()
	require.Eventually(t, func() bool { return s.Poll() == nil }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, lifecycle.PhaseError, s.Phase())

	err = s.TakeError()
	require.Error(t, err)
	assert.Equal(t, lifecycle.PhaseNew, s.Phase())
	assert.NoError(t, s.TakeError(), "error is drained once")

	require.NoError(t, s.Close())
	require.NoError(t, n.Host().Close())
}

func TestStream_TakeErrorAllowsRestart(t *testing.T) {
	n := newTestNetwork(t)
	addr := closedAddr(t)

	s := n.NewStream(addr.String())
	require.NoError(t, s.Start(testCtx(t)))
	require.NoError(t, s.Wait(testCtx(t)))
	assert.Equal(t, lifecycle.PhaseError, s.Phase())

	err := s.TakeError()
	assert.True(t, errors.IsKind(err, errors.KindConnectionRefused))
	assert.Equal(t, lifecycle.PhaseNew, s.Phase())

	// restart against a listener now occupying the same port
	ln, lerr := net.Listen("tcp", addr.String())
	if lerr != nil {
		t.Skipf("port %s was reused: %v", addr, lerr)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()

	require.NoError(t, s.Start(testCtx(t)))
	require.NoError(t, s.Wait(testCtx(t)))
	assert.Equal(t, lifecycle.PhaseReady, s.Phase())
	assert.NoError(t, s.TakeError())
	require.NoError(t, s.Close())
}

func TestStream_ClosePendingCancels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	resolver, release := stalledResolver()
	defer release()
	n.Host().WithResolver(resolver)

	s := n.NewStream("pending.test:80")
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, lifecycle.PhasePending, s.Phase())

	require.NoError(t, s.Close())
	_, err := s.Write([]byte("x"))
	assert.True(t, errors.IsKind(err, errors.KindClosed))

	release()
	require.NoError(t, n.Host().Close())
	assert.Zero(t, n.Host().OpenSockets())
}

func TestConnect_ContextCancelledWhilePending(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	resolver, release := stalledResolver()
	defer release()
	n.Host().WithResolver(resolver)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s, err := n.ConnectByName(ctx, "pending.test:80")
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout), "got %v", err)

	release()
	require.NoError(t, n.Host().Close())
}

func TestStream_NotConnected(t *testing.T) {
	n := newTestNetwork(t)
	s := n.NewStream("127.0.0.1:1")

	_, err := s.Read(make([]byte, 1))
	assert.True(t, errors.IsKind(err, errors.KindNotConnected))
	_, err = s.LocalAddr()
	assert.True(t, errors.IsKind(err, errors.KindNotConnected))
	_, err = s.PeerAddr()
	assert.True(t, errors.IsKind(err, errors.KindNotConnected))
	assert.True(t, errors.IsKind(s.Wait(testCtx(t)), errors.KindInvalidState))
}

func TestBindAccept(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	l, err := n.BindByName(testCtx(t), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotZero(t, l.Addr().Port())

	_, _, err = l.TryAccept()
	assert.True(t, IsWouldBlock(err))

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	s, peer, err := l.Accept(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().String(), peer.String())
	assert.Equal(t, lifecycle.PhaseReady, s.Phase())

	_, err = client.Write([]byte("abc"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	// the listener rearms for the next connection
	client2, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client2.Close()
	s2, peer2, err := Accept(testCtx(t), l)
	require.NoError(t, err)
	assert.Equal(t, client2.LocalAddr().String(), peer2.String())

	require.NoError(t, s.Close())
	require.NoError(t, s2.Close())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.NoError(t, n.Host().Close())
}

func TestAccept_ContextExpiryKeepsAcceptInFlight(t *testing.T) {
	n := newTestNetwork(t)
	l, err := n.Bind(testCtx(t), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Accept(ctx)
	assert.True(t, errors.IsKind(err, errors.KindTimeout), "got %v", err)

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	s, _, err := l.Accept(testCtx(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestListener_CloseCancelsAccept(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	n := newTestNetwork(t)
	l, err := n.BindByName(testCtx(t), "127.0.0.1:0")
	require.NoError(t, err)

	_, _, err = l.TryAccept()
	require.True(t, IsWouldBlock(err))
	require.NoError(t, l.Close())

	_, _, err = l.TryAccept()
	assert.True(t, errors.IsKind(err, errors.KindClosed))
	require.NoError(t, n.Host().Close())
}

func TestBind_AddressInUse(t *testing.T) {
	n := newTestNetwork(t)
	ln := loopbackListener(t)

	_, err := n.BindByName(testCtx(t), ln.Addr().String())
	assert.True(t, errors.IsKind(err, errors.KindAddressInUse), "got %v", err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)

	_, err = n.BindByName(testCtx(t), "127.0.0.1")
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestHelpers(t *testing.T) {
	err := Other("enclave exited")
	assert.Equal(t, errors.KindOther, errors.KindOf(err))
	assert.Contains(t, err.Error(), "enclave exited")
	assert.False(t, IsWouldBlock(err))

	assert.True(t, IsWouldBlock(WouldBlock()))
	assert.False(t, IsWouldBlock(nil))
	assert.False(t, IsWouldBlock(stderrors.New("would block")))
}

func TestDefaultNetwork(t *testing.T) {
	n := newTestNetwork(t)

	defaultMu.Lock()
	prev := defaultNet
	defaultMu.Unlock()
	t.Cleanup(func() { SetDefault(prev) })

	SetDefault(n)
	assert.Same(t, n, Default())

	l, err := BindByName(testCtx(t), "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		if c, err := net.Dial("tcp", l.Addr().String()); err == nil {
			defer c.Close()
			_, _ = io.Copy(io.Discard, c)
		}
	}()
	s, _, err := Accept(testCtx(t), l)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStream_LogsPhaseOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(prev) })

	n := newTestNetwork(t)
	s := n.NewStream(closedAddr(t).String())
	require.NoError(t, s.Start(testCtx(t)))
	require.NoError(t, s.Wait(testCtx(t)))

	entries := logs.FilterMessage("connect finished").All()
	if len(entries) == 0 {
		// the dial can finish inside Start
		entries = logs.FilterMessage("connect started").All()
	}
	require.NotEmpty(t, entries)
	state, ok := entries[len(entries)-1].ContextMap()["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"phase": "error"}, state)
	_ = s.TakeError()
}
