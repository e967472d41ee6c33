// Package resource maps guest-visible descriptors to host-side values.
//
// A usercall host never hands a raw net.Conn across the proxy boundary.
// It stores the connection in a table and returns the integer handle:
//
//	sockets := resource.NewSocketTable()
//	fd, err := sockets.Insert(stream)
//
//	s, ok := resource.Lookup[*hostStream](sockets, fd)
//	sockets.Remove(fd) // calls stream.Release(), closing the connection
//
// Handle 0 is never issued, so a zero descriptor always fails lookup.
// Freed handles are reused for later entries.
//
// The same Table type holds in-flight guest operations; any value that
// implements Releaser is released when it leaves the table.
//
// # Observers
//
// Observers see every entry entering and leaving a table. They are
// compared with == on Unsubscribe, so use pointer types:
//
//	type tracker struct{ log *zap.Logger }
//
//	func (t *tracker) OnTableEvent(e resource.Event[resource.Socket]) {
//		t.log.Debug("socket", zap.Stringer("event", e.Type), zap.Uint32("fd", uint32(e.Handle)))
//	}
//
//	sockets.Subscribe(&tracker{log: logger})
//
// Close releases every remaining entry. A host must call it on shutdown or
// the underlying connections leak.
package resource
