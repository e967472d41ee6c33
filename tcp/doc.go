// Package tcp exposes blocking-looking TCP operations for code running
// inside the enclave.
//
// Every call is proxied to a usercall.Host. Connect, Bind and Accept hide
// the asynchronous usercall behind a wait, but the Stream and Listener
// they return keep the lifecycle state of the underlying operation, so the
// same objects can be driven without blocking:
//
//	s := net.NewStream("10.0.0.5:443")
//	if err := s.Start(ctx); err != nil && !tcp.IsWouldBlock(err) {
//		return err
//	}
//	for tcp.IsWouldBlock(s.Poll()) {
//		// do other work
//	}
//	if err := s.TakeError(); err != nil {
//		// the stream is New again and may be restarted
//	}
//
// A connect or accept failure is reported exactly once: by the blocking
// call that hit it, or by TakeError for a stream driven by hand.
//
// The package-level functions use Default(), a Network over a Host built
// from usercall.DefaultConfig. SetDefault replaces it.
package tcp
