package resource

// SocketType identifies what a socket table entry holds.
type SocketType uint8

const (
	SocketStream SocketType = iota + 1
	SocketListener
)

func (t SocketType) String() string {
	switch t {
	case SocketStream:
		return "stream"
	case SocketListener:
		return "listener"
	default:
		return "unknown"
	}
}

// Socket is implemented by every value stored in a SocketTable. Release
// closes the underlying OS socket.
type Socket interface {
	Releaser
	SocketType() SocketType
}

// SocketTable is the descriptor table a usercall host exposes to its
// guest. Handles double as the guest-visible file descriptors.
type SocketTable = Table[Socket]

// NewSocketTable creates an empty socket table.
func NewSocketTable() *SocketTable {
	return NewTable[Socket]()
}

// Lookup returns the socket at h if its concrete type is S.
func Lookup[S Socket](t *SocketTable, h Handle) (S, bool) {
	v, ok := t.Get(h)
	if !ok {
		var zero S
		return zero, false
	}
	s, ok := v.(S)
	return s, ok
}
