package tcp

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/usercall"
)

// SocketAddr is an IP address and port.
type SocketAddr = netip.AddrPort

// Shutdown selects which half of a stream Stream.Shutdown closes.
type Shutdown = usercall.Shutdown

const (
	ShutdownRead  = usercall.ShutdownRead
	ShutdownWrite = usercall.ShutdownWrite
	ShutdownBoth  = usercall.ShutdownBoth
)

// Network issues socket operations through one usercall host.
type Network struct {
	host *usercall.Host
}

// NewNetwork returns a façade over host.
func NewNetwork(host *usercall.Host) *Network {
	return &Network{host: host}
}

// Host returns the usercall host behind n.
func (n *Network) Host() *usercall.Host {
	return n.host
}

var (
	defaultMu  sync.Mutex
	defaultNet *Network
)

// Default returns the package-wide network, creating a host with
// usercall.DefaultConfig on first use.
func Default() *Network {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultNet == nil {
		host, err := usercall.New(usercall.DefaultConfig())
		if err != nil {
			// DefaultConfig always validates
			panic(err)
		}
		defaultNet = NewNetwork(host.WithLogger(Logger()))
	}
	return defaultNet
}

// SetDefault replaces the package-wide network. The previous one is not
// closed.
func SetDefault(n *Network) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultNet = n
}

// Connect opens a stream to addr and waits for it to be established.
func Connect(ctx context.Context, addr SocketAddr) (*Stream, error) {
	return Default().Connect(ctx, addr)
}

// ConnectByName parses "host:port" and connects. Parse failures are
// reported before any usercall is made.
func ConnectByName(ctx context.Context, text string) (*Stream, error) {
	return Default().ConnectByName(ctx, text)
}

// Bind creates a listener on addr.
func Bind(ctx context.Context, addr SocketAddr) (*Listener, error) {
	return Default().Bind(ctx, addr)
}

// BindByName parses "host:port" and binds.
func BindByName(ctx context.Context, text string) (*Listener, error) {
	return Default().BindByName(ctx, text)
}

// Accept waits for the next connection on l and returns it with the
// remote address.
func Accept(ctx context.Context, l *Listener) (*Stream, SocketAddr, error) {
	return l.Accept(ctx)
}

// Other returns an uncategorized error carrying msg.
func Other(msg string) error {
	return errors.Other(errors.PhaseUsercall, msg)
}

// WouldBlock returns the canonical "not finished yet, try again" error.
func WouldBlock() error {
	return errors.WouldBlock(errors.PhaseUsercall)
}

// IsWouldBlock reports whether err is a would-block signal.
func IsWouldBlock(err error) bool {
	return errors.IsKind(err, errors.KindWouldBlock)
}

// parseName validates "host:port" text. The host part may be a name; it is
// resolved on the host side of the usercall.
func parseName(text string, requireHost bool) error {
	host, port, err := net.SplitHostPort(text)
	if err != nil {
		return errors.AddrParse(text, err)
	}
	if requireHost && host == "" {
		return errors.AddrParse(text, errors.InvalidInput(errors.PhaseParse, "missing host"))
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return errors.AddrParse(text, err)
	}
	return nil
}

// Connect opens a stream to addr and waits for it to be established.
func (n *Network) Connect(ctx context.Context, addr SocketAddr) (*Stream, error) {
	if !addr.IsValid() {
		return nil, errors.AddrParse(addr.String(), errors.InvalidInput(errors.PhaseParse, "invalid socket address"))
	}
	return n.connect(ctx, addr.String())
}

// ConnectByName parses "host:port" and connects.
func (n *Network) ConnectByName(ctx context.Context, text string) (*Stream, error) {
	if err := parseName(text, true); err != nil {
		return nil, err
	}
	return n.connect(ctx, text)
}

func (n *Network) connect(ctx context.Context, target string) (*Stream, error) {
	s := n.NewStream(target)
	if err := s.Start(ctx); err != nil {
		// the error is returned here, so drain the copy held by the state
		_ = s.TakeError()
		return nil, err
	}

	if err := s.Wait(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.TakeError(); err != nil {
		return nil, err
	}
	return s, nil
}

// Bind creates a listener on addr.
func (n *Network) Bind(ctx context.Context, addr SocketAddr) (*Listener, error) {
	if !addr.IsValid() {
		return nil, errors.AddrParse(addr.String(), errors.InvalidInput(errors.PhaseParse, "invalid socket address"))
	}
	return n.bind(ctx, addr.String())
}

// BindByName parses "host:port" and binds. An empty host binds every
// interface.
func (n *Network) BindByName(ctx context.Context, text string) (*Listener, error) {
	if err := parseName(text, false); err != nil {
		return nil, err
	}
	return n.bind(ctx, text)
}
