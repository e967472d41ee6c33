// Package usercall is the host side of the enclave network boundary.
//
// Code inside the enclave has no socket access of its own. Every socket
// operation is handed to a Host as a usercall, and the Host performs it on
// the real network stack. A usercall has one of three outcomes:
//
//   - immediate success, returned directly (BindStream, Read, Write)
//   - immediate failure, returned as an error with no handle
//   - a pending Completion that the caller polls or waits on
//
// Connect and accept are always asynchronous:
//
//	host, err := usercall.New(usercall.DefaultConfig())
//	c, err := host.ConnectStream(ctx, "127.0.0.1:8080")
//	for {
//		conn, err := c.Poll()
//		if errors.IsKind(err, errors.KindWouldBlock) {
//			continue // do other work
//		}
//		...
//	}
//
// Sockets live in a descriptor table owned by the Host. The descriptors in
// Conn and Listen are the only way to reach them.
//
// # Errors
//
// Platform errors are classified into errors.Kind values by MapError. The
// original error stays in the chain, so errors.Is(err, syscall.ECONNREFUSED)
// still holds for a refused connect.
//
// # Admission
//
// A Host limits the rate of new usercalls and the number in flight. A
// rejected usercall fails with KindWouldBlock, the same retry signal as a
// pending poll, never with a terminal error.
//
// # Guest ABI
//
// Instantiate exports the usercalls to WebAssembly guests as the host module
// "enclavenet_usercall_v0". See abi.go for the function table.
package usercall
