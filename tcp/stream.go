package tcp

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/lifecycle"
	"github.com/wippyai/enclave-net/usercall"
)

type connectState = lifecycle.State[string, *usercall.Completion[usercall.Conn], usercall.Conn]

// Stream is a TCP connection proxied through a usercall host.
type Stream struct {
	host   *usercall.Host
	target string

	mu          sync.Mutex
	state       connectState
	nonblocking bool
	closed      bool
}

// NewStream returns a stream to target ("host:port") that has not been
// started.
func (n *Network) NewStream(target string) *Stream {
	return &Stream{
		host:   n.host,
		target: target,
		state:  lifecycle.New[string, *usercall.Completion[usercall.Conn], usercall.Conn](target),
	}
}

// acceptedStream wraps a connection that is already established.
func acceptedStream(host *usercall.Host, conn usercall.Conn) *Stream {
	return &Stream{
		host:   host,
		target: conn.Peer.String(),
		state:  lifecycle.FromResult[string, *usercall.Completion[usercall.Conn], usercall.Conn](conn, nil),
	}
}

func (s *Stream) logPhase(msg string) {
	Logger().Debug(msg, zap.String("target", s.target), zap.Object("state", s.state))
}

// Start issues the connect usercall. A stream moves to Pending, or straight
// to Ready or Error when the usercall finishes at once. A start rejected by
// admission control returns a would-block error and leaves the stream New.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Closed(errors.PhaseConnect, "stream")
	}
	target, ok := s.state.AsNew()
	if !ok {
		return errors.InvalidState(errors.PhaseConnect, "start", s.state.String())
	}

	c, err := s.host.ConnectStream(ctx, target)
	if err != nil {
		if !IsWouldBlock(err) {
			_ = s.state.Fail(err)
			s.logPhase("connect failed immediately")
		}
		return err
	}
	if err := s.state.Start(c); err != nil {
		c.Cancel()
		return err
	}
	s.advance()
	s.logPhase("connect started")
	return nil
}

// advance resolves a pending connect whose usercall has finished. Caller
// holds mu.
func (s *Stream) advance() bool {
	p, ok := s.state.AsPending()
	if !ok {
		return false
	}
	conn, err := (*p).Poll()
	if IsWouldBlock(err) {
		return false
	}
	_ = s.state.Resolve(conn, err)
	return true
}

// Poll advances a pending connect without blocking. It returns a
// would-block error while the usercall is in flight and nil once the
// stream is Ready or Error.
func (s *Stream) Poll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Phase() {
	case lifecycle.PhaseNew:
		return errors.InvalidState(errors.PhasePoll, "poll", s.state.String())
	case lifecycle.PhasePending:
		if !s.advance() {
			return errors.WouldBlock(errors.PhaseConnect)
		}
		s.logPhase("connect finished")
	}
	return nil
}

// Wait blocks until the connect finishes or ctx is done. It returns nil
// once the stream is Ready or Error; an expired ctx leaves it Pending.
func (s *Stream) Wait(ctx context.Context) error {
	s.mu.Lock()
	p, ok := s.state.AsPending()
	if !ok {
		phase := s.state.Phase()
		s.mu.Unlock()
		if phase == lifecycle.PhaseNew {
			return errors.InvalidState(errors.PhasePoll, "wait", phase.String())
		}
		return nil
	}
	c := *p
	s.mu.Unlock()

	if _, err := c.Wait(ctx); err != nil && !c.Ready() {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.state.AsPending(); ok && *cur == c {
		s.advance()
		s.logPhase("connect finished")
	}
	return nil
}

// TakeError returns the connect error once and resets the stream to New so
// it can be started again. It returns nil if the stream is not in Error.
func (s *Stream) TakeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TakeError(lifecycle.New[string, *usercall.Completion[usercall.Conn], usercall.Conn](s.target))
}

// SetNonblocking selects whether Read and Write on a pending stream fail
// with would-block (true) or wait for the connect (false, the default).
func (s *Stream) SetNonblocking(nonblocking bool) {
	s.mu.Lock()
	s.nonblocking = nonblocking
	s.mu.Unlock()
}

// conn returns the established connection, waiting for a pending connect
// in blocking mode.
func (s *Stream) conn(phase errors.Phase) (usercall.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return usercall.Conn{}, errors.Closed(phase, "stream")
	}
	if s.state.IsPending() {
		s.advance()
	}
	if s.state.IsPending() && s.nonblocking {
		s.mu.Unlock()
		return usercall.Conn{}, errors.WouldBlock(phase)
	}
	blocking := s.state.IsPending()
	s.mu.Unlock()

	if blocking {
		if err := s.Wait(context.Background()); err != nil {
			return usercall.Conn{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.state.AsReady(); ok {
		return conn, nil
	}
	return usercall.Conn{}, errors.New(phase, errors.KindNotConnected).
		Detail("stream is %s", s.state.String()).
		Build()
}

// Read passes through to the host connection.
func (s *Stream) Read(p []byte) (int, error) {
	conn, err := s.conn(errors.PhaseIO)
	if err != nil {
		return 0, err
	}
	return s.host.Read(conn.Fd, p)
}

// Write passes through to the host connection.
func (s *Stream) Write(p []byte) (int, error) {
	conn, err := s.conn(errors.PhaseIO)
	if err != nil {
		return 0, err
	}
	return s.host.Write(conn.Fd, p)
}

// Shutdown closes one or both halves of an established stream.
func (s *Stream) Shutdown(how Shutdown) error {
	conn, err := s.conn(errors.PhaseIO)
	if err != nil {
		return err
	}
	return s.host.Shutdown(conn.Fd, how)
}

// Close releases the stream. A pending connect is cancelled. Close is
// idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if p, ok := s.state.AsPending(); ok {
		(*p).Cancel()
		s.logPhase("pending connect cancelled")
		return nil
	}
	if conn, ok := s.state.AsReady(); ok {
		return s.host.CloseSocket(conn.Fd)
	}
	return nil
}

// LocalAddr returns the local address of an established stream.
func (s *Stream) LocalAddr() (SocketAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.state.AsReady(); ok {
		return conn.Local, nil
	}
	return SocketAddr{}, errors.New(errors.PhaseIO, errors.KindNotConnected).Detail("stream is %s", s.state.String()).Build()
}

// PeerAddr returns the remote address of an established stream.
func (s *Stream) PeerAddr() (SocketAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.state.AsReady(); ok {
		return conn.Peer, nil
	}
	return SocketAddr{}, errors.New(errors.PhaseIO, errors.KindNotConnected).Detail("stream is %s", s.state.String()).Build()
}

// Phase reports the lifecycle phase of the connect.
func (s *Stream) Phase() lifecycle.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase()
}

// Target returns the "host:port" the stream connects to.
func (s *Stream) Target() string {
	return s.target
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s *Stream) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("target", s.target)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MarshalLogObject(enc)
}
