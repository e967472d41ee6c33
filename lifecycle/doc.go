// Package lifecycle tracks one proxied socket operation through its phases.
//
// A State holds exactly one of four arms, each with its own payload type:
//
//	New(N)      operation constructed, not yet attempted
//	Pending(P)  usercall issued, P is the in-flight handle to poll or wait on
//	Ready(R)    operation completed, R is the result
//	Error(err)  operation failed terminally
//
// Arms are not exported. Callers use the phase predicates and typed
// accessors, so a state can never be observed as two phases at once:
//
//	st := lifecycle.New[netip.AddrPort, *usercall.Completion[usercall.Conn], usercall.Conn](addr)
//	if err := st.Start(completion); err != nil {
//		return err
//	}
//	if c, ok := st.AsPending(); ok {
//		conn, err := (*c).Poll()
//		...
//	}
//
// Transitions are monotonic: New → Pending → Ready|Error, or New → Ready|Error
// for operations that complete synchronously. The only way back to an
// earlier phase is TakeError, which drains the error exactly once and installs
// a caller-supplied replacement.
//
// Rendering a State with fmt or zap shows only the phase name, never the
// payload, so handles and error text do not leak into generic logs.
//
// A State is not safe for concurrent use. The socket object that embeds it
// must serialize access.
package lifecycle
