package tcp

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/lifecycle"
	"github.com/wippyai/enclave-net/usercall"
)

type acceptState = lifecycle.State[struct{}, *usercall.Completion[usercall.Conn], usercall.Conn]

// Listener is a bound TCP listener proxied through a usercall host.
type Listener struct {
	host  *usercall.Host
	local usercall.Listen

	mu     sync.Mutex
	accept acceptState
	closed bool
}

func (n *Network) bind(ctx context.Context, text string) (*Listener, error) {
	l, err := n.host.BindStream(ctx, text)
	st := lifecycle.FromResult[string, struct{}, usercall.Listen](l, err)
	if err := st.TakeError(lifecycle.New[string, struct{}, usercall.Listen](text)); err != nil {
		return nil, err
	}

	bound, _ := st.AsReady()
	Logger().Debug("listener bound", zap.String("addr", text), zap.Stringer("local", bound.Local))
	return &Listener{host: n.host, local: bound}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() SocketAddr {
	return l.local.Local
}

// pending returns the in-flight accept, issuing a new accept usercall if
// none is outstanding. Caller holds mu.
func (l *Listener) pending() (*usercall.Completion[usercall.Conn], error) {
	if l.closed {
		return nil, errors.Closed(errors.PhaseAccept, "listener")
	}
	if p, ok := l.accept.AsPending(); ok {
		return *p, nil
	}
	if !l.accept.IsNew() {
		return nil, errors.InvalidState(errors.PhaseAccept, "accept", l.accept.String())
	}

	c, err := l.host.AcceptStream(context.Background(), l.local.Fd)
	if err != nil {
		return nil, err
	}
	if err := l.accept.Start(c); err != nil {
		c.Cancel()
		return nil, err
	}
	return c, nil
}

// finish consumes a finished accept and rearms the listener with a fresh
// state for the next one. Caller holds mu.
func (l *Listener) finish() (*Stream, SocketAddr, error) {
	if p, ok := l.accept.AsPending(); ok {
		conn, err := (*p).Poll()
		if IsWouldBlock(err) {
			return nil, SocketAddr{}, errors.WouldBlock(errors.PhaseAccept)
		}
		_ = l.accept.Resolve(conn, err)
	}

	fresh := lifecycle.New[struct{}, *usercall.Completion[usercall.Conn], usercall.Conn](struct{}{})
	if err := l.accept.TakeError(fresh); err != nil {
		return nil, SocketAddr{}, err
	}
	conn, ok := l.accept.AsReady()
	if !ok {
		return nil, SocketAddr{}, errors.InvalidState(errors.PhaseAccept, "accept", l.accept.String())
	}
	l.accept = fresh

	Logger().Debug("connection accepted", zap.Stringer("local", conn.Local), zap.Stringer("peer", conn.Peer))
	return acceptedStream(l.host, conn), conn.Peer, nil
}

// Accept blocks until a connection arrives or ctx is done. An expired ctx
// leaves the accept in flight for the next call.
func (l *Listener) Accept(ctx context.Context) (*Stream, SocketAddr, error) {
	for {
		l.mu.Lock()
		c, err := l.pending()
		l.mu.Unlock()
		if err != nil {
			return nil, SocketAddr{}, err
		}

		if _, err := c.Wait(ctx); err != nil && !c.Ready() {
			return nil, SocketAddr{}, err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, SocketAddr{}, errors.Closed(errors.PhaseAccept, "listener")
		}
		// a concurrent Accept may have consumed this completion already
		if cur, ok := l.accept.AsPending(); !ok || *cur != c {
			l.mu.Unlock()
			continue
		}
		stream, peer, err := l.finish()
		l.mu.Unlock()
		return stream, peer, err
	}
}

// TryAccept starts or polls an accept without blocking. It returns a
// would-block error while no connection has arrived.
func (l *Listener) TryAccept() (*Stream, SocketAddr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.pending(); err != nil {
		return nil, SocketAddr{}, err
	}
	return l.finish()
}

// Close cancels any in-flight accept and releases the listener.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if p, ok := l.accept.AsPending(); ok {
		(*p).Cancel()
	}
	return l.host.CloseSocket(l.local.Fd)
}
