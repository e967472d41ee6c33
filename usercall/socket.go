package usercall

import (
	"net"
	"net/netip"
	"sync"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/resource"
)

// Fd is a guest-visible socket descriptor.
type Fd = resource.Handle

// Conn describes an established stream.
type Conn struct {
	Fd    Fd
	Local netip.AddrPort
	Peer  netip.AddrPort
}

// Listen describes a bound listener.
type Listen struct {
	Fd    Fd
	Local netip.AddrPort
}

// Shutdown selects which half of a stream to shut down.
type Shutdown uint8

const (
	ShutdownRead Shutdown = iota
	ShutdownWrite
	ShutdownBoth
)

func (s Shutdown) String() string {
	switch s {
	case ShutdownRead:
		return "read"
	case ShutdownWrite:
		return "write"
	case ShutdownBoth:
		return "both"
	default:
		return "unknown"
	}
}

func addrPortOf(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		ap := ta.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

type hostStream struct {
	conn  net.Conn
	local netip.AddrPort
	peer  netip.AddrPort
}

func newHostStream(conn net.Conn) *hostStream {
	return &hostStream{
		conn:  conn,
		local: addrPortOf(conn.LocalAddr()),
		peer:  addrPortOf(conn.RemoteAddr()),
	}
}

func (s *hostStream) SocketType() resource.SocketType { return resource.SocketStream }

func (s *hostStream) Release() {
	_ = s.conn.Close()
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// hostListener hands accepted connections to whichever accept usercall is
// waiting. A single pump goroutine owns ln.Accept so an abandoned accept
// usercall never strands a connection.
type hostListener struct {
	ln    net.Listener
	local netip.AddrPort

	start     sync.Once
	results   chan acceptResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newHostListener(ln net.Listener) *hostListener {
	return &hostListener{
		ln:      ln,
		local:   addrPortOf(ln.Addr()),
		results: make(chan acceptResult),
		closed:  make(chan struct{}),
	}
}

func (l *hostListener) SocketType() resource.SocketType { return resource.SocketListener }

func (l *hostListener) Release() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.ln.Close()
	})
}

// startPump launches the accept pump once, tracked by wg.
func (l *hostListener) startPump(wg *sync.WaitGroup) {
	l.start.Do(func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.pump()
		}()
	})
}

func (l *hostListener) pump() {
	for {
		conn, err := l.ln.Accept()
		select {
		case l.results <- acceptResult{conn: conn, err: err}:
		case <-l.closed:
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil && isClosedErr(err) {
			return
		}
	}
}

func isClosedErr(err error) bool {
	return kindOf(err) == errors.KindClosed
}
