package usercall

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/resource"
)

// Host performs socket usercalls on behalf of an enclave.
type Host struct {
	cfg      Config
	allowed  []netip.Prefix
	sockets  *resource.SocketTable
	ops      *resource.Table[*guestOp]
	limiter  *rate.Limiter
	sem      *semaphore.Weighted
	resolver *net.Resolver
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Host. The configuration is validated first.
func New(cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed, err := cfg.prefixes()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:      cfg,
		allowed:  allowed,
		sockets:  resource.NewSocketTable(),
		ops:      resource.NewTable[*guestOp](),
		limiter:  rate.NewLimiter(cfg.limit(), cfg.Burst),
		resolver: net.DefaultResolver,
		logger:   Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxPending > 0 {
		h.sem = semaphore.NewWeighted(cfg.MaxPending)
	}
	h.sockets.Subscribe(&socketTracker{host: h})
	return h, nil
}

// WithLogger sets the logger used by this host.
func (h *Host) WithLogger(l *zap.Logger) *Host {
	if l != nil {
		h.logger = l
	}
	return h
}

// WithResolver sets the resolver used for named connect targets.
func (h *Host) WithResolver(r *net.Resolver) *Host {
	if r != nil {
		h.resolver = r
	}
	return h
}

// Config returns the host configuration.
func (h *Host) Config() Config {
	return h.cfg
}

// OpenSockets returns the number of live descriptors.
func (h *Host) OpenSockets() int {
	return h.sockets.Len()
}

// Close cancels every in-flight usercall, waits for them to finish and
// closes every socket. Close is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.ops.Clear()
	err := h.sockets.Close()
	h.wg.Wait()
	_ = h.ops.Close()

	h.logger.Debug("usercall host closed")
	return err
}

// admit applies the closed check and admission control to a new usercall.
// The returned func must be called when the usercall finishes.
func (h *Host) admit(op string, phase errors.Phase) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		err := errors.Closed(phase, "usercall host")
		countResult(op, err)
		return nil, err
	}
	if !h.limiter.Allow() {
		err := errors.New(phase, errors.KindWouldBlock).Detail("usercall rate exceeded").Build()
		countResult(op, err)
		h.logger.Debug("usercall rejected", zap.String("op", op), zap.String("reason", "rate"))
		return nil, err
	}
	if h.sem != nil && !h.sem.TryAcquire(1) {
		err := errors.New(phase, errors.KindWouldBlock).Detail("too many pending usercalls").Build()
		countResult(op, err)
		h.logger.Debug("usercall rejected", zap.String("op", op), zap.String("reason", "max_pending"))
		return nil, err
	}

	h.wg.Add(1)
	return func() {
		if h.sem != nil {
			h.sem.Release(1)
		}
		h.wg.Done()
	}, nil
}

// opContext derives a usercall context that also ends when the host closes.
func (h *Host) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(h.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (h *Host) permitted(ip netip.Addr) bool {
	if len(h.allowed) == 0 {
		return true
	}
	ip = ip.Unmap()
	for _, p := range h.allowed {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// splitAddr parses "host:port". The host may be empty for bind.
func splitAddr(addr string) (string, uint16, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.AddrParse(addr, err)
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, errors.AddrParse(addr, err)
	}
	return host, uint16(port), nil
}

// ConnectStream starts an outbound connection. The dial runs
// asynchronously; a destination refused by policy or admission fails
// immediately without a completion.
func (h *Host) ConnectStream(ctx context.Context, addr string) (*Completion[Conn], error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, errors.New(errors.PhaseConnect, errors.KindInvalidInput).Addr(addr).Detail("missing host").Build()
	}
	if ip, perr := netip.ParseAddr(host); perr == nil && !h.permitted(ip) {
		err := errors.New(errors.PhaseConnect, errors.KindAccessDenied).
			Addr(addr).
			Detail("destination not in allowed networks").
			Build()
		countResult(opConnect, err)
		return nil, err
	}

	done, err := h.admit(opConnect, errors.PhaseConnect)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := h.opContext(ctx)
	c := newCompletion[Conn](cancel, h.releaseConn)
	start := time.Now()
	pendingInc(opConnect)

	h.logger.Debug("connect usercall issued", zap.String("addr", addr))

	go func() {
		defer done()
		defer pendingDec(opConnect)

		res, err := h.dial(opCtx, host, port, addr)
		recordResult(opConnect, start, err)
		if err != nil {
			h.logger.Debug("connect usercall failed", zap.String("addr", addr), zap.Error(err))
		}
		c.finish(res, err)
	}()

	return c, nil
}

func (h *Host) dial(ctx context.Context, host string, port uint16, addr string) (Conn, error) {
	targets, err := h.resolve(ctx, host)
	if err != nil {
		return Conn{}, MapError(errors.PhaseConnect, err, addr)
	}

	dialer := net.Dialer{Timeout: h.cfg.DialTimeout}
	var lastErr error
	for _, ip := range targets {
		conn, err := dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(ip, port).String())
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return h.adopt(conn)
	}
	return Conn{}, MapError(errors.PhaseConnect, lastErr, addr)
}

func (h *Host) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}

	ips, err := h.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := ips[:0]
	for _, ip := range ips {
		if h.permitted(ip) {
			out = append(out, ip.Unmap())
		}
	}
	if len(out) == 0 {
		return nil, errors.New(errors.PhaseConnect, errors.KindAccessDenied).
			Addr(host).
			Detail("no resolved address is in allowed networks").
			Build()
	}
	return out, nil
}

// adopt moves an established connection into the descriptor table.
func (h *Host) adopt(conn net.Conn) (Conn, error) {
	s := newHostStream(conn)
	fd, err := h.sockets.Insert(s)
	if err != nil {
		_ = conn.Close()
		return Conn{}, errors.Closed(errors.PhaseUsercall, "usercall host")
	}
	return Conn{Fd: fd, Local: s.local, Peer: s.peer}, nil
}

func (h *Host) releaseConn(c Conn) {
	h.sockets.Remove(c.Fd)
}

// BindStream creates a listener. Binding completes synchronously.
func (h *Host) BindStream(ctx context.Context, addr string) (Listen, error) {
	if _, _, err := splitAddr(addr); err != nil {
		return Listen{}, err
	}

	done, err := h.admit(opBind, errors.PhaseBind)
	if err != nil {
		return Listen{}, err
	}
	defer done()

	start := time.Now()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		err = MapError(errors.PhaseBind, err, addr)
		recordResult(opBind, start, err)
		return Listen{}, err
	}

	l := newHostListener(ln)
	fd, err := h.sockets.Insert(l)
	if err != nil {
		_ = ln.Close()
		err = errors.Closed(errors.PhaseBind, "usercall host")
		recordResult(opBind, start, err)
		return Listen{}, err
	}
	recordResult(opBind, start, nil)

	h.logger.Debug("bind usercall completed", zap.String("addr", addr), zap.Stringer("local", l.local))
	return Listen{Fd: fd, Local: l.local}, nil
}

// AcceptStream waits asynchronously for the next inbound connection on a
// listener.
func (h *Host) AcceptStream(ctx context.Context, fd Fd) (*Completion[Conn], error) {
	l, ok := resource.Lookup[*hostListener](h.sockets, fd)
	if !ok {
		return nil, errors.BadHandle(errors.PhaseAccept, uint32(fd))
	}

	done, err := h.admit(opAccept, errors.PhaseAccept)
	if err != nil {
		return nil, err
	}
	l.startPump(&h.wg)

	opCtx, cancel := h.opContext(ctx)
	c := newCompletion[Conn](cancel, h.releaseConn)
	start := time.Now()
	pendingInc(opAccept)

	go func() {
		defer done()
		defer pendingDec(opAccept)

		var (
			res Conn
			err error
		)
		select {
		case r := <-l.results:
			if r.err != nil {
				err = MapError(errors.PhaseAccept, r.err, l.local.String())
			} else {
				res, err = h.adopt(r.conn)
			}
		case <-l.closed:
			err = errors.Closed(errors.PhaseAccept, "listener")
		case <-opCtx.Done():
			err = MapError(errors.PhaseAccept, opCtx.Err(), l.local.String())
		}
		recordResult(opAccept, start, err)
		c.finish(res, err)
	}()

	return c, nil
}

func (h *Host) stream(fd Fd, phase errors.Phase) (*hostStream, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, errors.Closed(phase, "usercall host")
	}

	s, ok := resource.Lookup[*hostStream](h.sockets, fd)
	if !ok {
		return nil, errors.BadHandle(phase, uint32(fd))
	}
	return s, nil
}

// Read passes through to the connection's Read. io.EOF is returned as is.
func (h *Host) Read(fd Fd, p []byte) (int, error) {
	s, err := h.stream(fd, errors.PhaseIO)
	if err != nil {
		return 0, err
	}
	n, err := s.conn.Read(p)
	if err != nil && !stderrors.Is(err, io.EOF) {
		err = MapError(errors.PhaseIO, err, s.peer.String())
	}
	countResult(opRead, err)
	return n, err
}

// Write passes through to the connection's Write.
func (h *Host) Write(fd Fd, p []byte) (int, error) {
	s, err := h.stream(fd, errors.PhaseIO)
	if err != nil {
		return 0, err
	}
	n, err := s.conn.Write(p)
	if err != nil {
		err = MapError(errors.PhaseIO, err, s.peer.String())
	}
	countResult(opWrite, err)
	return n, err
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Shutdown shuts down one or both halves of a stream.
func (h *Host) Shutdown(fd Fd, how Shutdown) error {
	s, err := h.stream(fd, errors.PhaseIO)
	if err != nil {
		return err
	}
	hc, ok := s.conn.(halfCloser)
	if !ok {
		return errors.Other(errors.PhaseIO, "connection does not support shutdown")
	}

	switch how {
	case ShutdownRead:
		err = hc.CloseRead()
	case ShutdownWrite:
		err = hc.CloseWrite()
	case ShutdownBoth:
		err = hc.CloseRead()
		if err == nil {
			err = hc.CloseWrite()
		}
	default:
		return errors.InvalidInput(errors.PhaseIO, "unknown shutdown mode "+how.String())
	}

	err = MapError(errors.PhaseIO, err, s.peer.String())
	countResult(opShutdown, err)
	return err
}

// CloseSocket releases a descriptor of any type.
func (h *Host) CloseSocket(fd Fd) error {
	if _, ok := h.sockets.Remove(fd); !ok {
		err := errors.BadHandle(errors.PhaseUsercall, uint32(fd))
		countResult(opClose, err)
		return err
	}
	countResult(opClose, nil)
	return nil
}

// LocalAddr returns the local address of a stream or listener.
func (h *Host) LocalAddr(fd Fd) (netip.AddrPort, error) {
	v, ok := h.sockets.Get(fd)
	if !ok {
		return netip.AddrPort{}, errors.BadHandle(errors.PhaseUsercall, uint32(fd))
	}
	switch s := v.(type) {
	case *hostStream:
		return s.local, nil
	case *hostListener:
		return s.local, nil
	}
	return netip.AddrPort{}, errors.BadHandle(errors.PhaseUsercall, uint32(fd))
}

// PeerAddr returns the remote address of a stream.
func (h *Host) PeerAddr(fd Fd) (netip.AddrPort, error) {
	s, err := h.stream(fd, errors.PhaseUsercall)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return s.peer, nil
}

// socketTracker logs descriptor table changes.
type socketTracker struct {
	host *Host
}

func (t *socketTracker) OnTableEvent(e resource.Event[resource.Socket]) {
	t.host.logger.Debug("socket table",
		zap.Stringer("event", e.Type),
		zap.Uint32("fd", uint32(e.Handle)),
		zap.Stringer("type", e.Value.SocketType()),
	)
}
