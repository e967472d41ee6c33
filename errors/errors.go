package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which operation produced the error
type Phase string

const (
	PhaseConnect  Phase = "connect"  // outbound stream establishment
	PhaseBind     Phase = "bind"     // listener creation
	PhaseAccept   Phase = "accept"   // inbound stream establishment
	PhasePoll     Phase = "poll"     // advancing a pending operation
	PhaseIO       Phase = "io"       // read/write/shutdown on an established stream
	PhaseUsercall Phase = "usercall" // host side of the proxy boundary
	PhaseState    Phase = "state"    // lifecycle transitions
	PhaseParse    Phase = "parse"    // textual address parsing
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindWouldBlock        Kind = "would_block"
	KindOther             Kind = "other"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidInput      Kind = "invalid_input"
	KindAddressInUse      Kind = "address_in_use"
	KindAddressNotAvail   Kind = "address_not_available"
	KindConnectionRefused Kind = "connection_refused"
	KindConnectionReset   Kind = "connection_reset"
	KindConnectionAborted Kind = "connection_aborted"
	KindUnreachable       Kind = "unreachable"
	KindTimeout           Kind = "timeout"
	KindAccessDenied      Kind = "access_denied"
	KindNameUnresolvable  Kind = "name_unresolvable"
	KindNotConnected      Kind = "not_connected"
	KindClosed            Kind = "closed"
	KindBadHandle         Kind = "bad_handle"
	KindCanceled          Kind = "canceled"
)

// Error is the structured error type used throughout enclave-net
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Addr   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if e.Addr != "" {
		b.WriteString(" at ")
		b.WriteString(e.Addr)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a Phase
// matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Temporary reports whether retrying the operation may succeed.
func (e *Error) Temporary() bool {
	return e.Kind == KindWouldBlock
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Addr sets the socket address involved
func (b *Builder) Addr(addr string) *Builder {
	b.err.Addr = addr
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for kind-only matching with errors.Is.
var (
	ErrWouldBlock   = &Error{Kind: KindWouldBlock}
	ErrClosed       = &Error{Kind: KindClosed}
	ErrInvalidState = &Error{Kind: KindInvalidState}
)

// KindOf returns the Kind of the first *Error in err's chain, or KindOther
// for any error that was never classified. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// Convenience constructors for common error patterns

// WouldBlock creates the canonical "cannot complete without blocking" error
func WouldBlock(phase Phase) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindWouldBlock,
	}
}

// Other creates an uncategorized error carrying a human-readable message
func Other(phase Phase, msg string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOther,
		Detail: msg,
	}
}

// InvalidState creates an error for an operation attempted in the wrong phase
func InvalidState(phase Phase, op, current string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidState,
		Detail: fmt.Sprintf("cannot %s in state %s", op, current),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed creates an error for use of a closed socket or host
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", what),
	}
}

// BadHandle creates an error for an unknown or mistyped handle
func BadHandle(phase Phase, handle uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadHandle,
		Detail: fmt.Sprintf("handle %d is not valid", handle),
	}
}

// AddrParse creates a parse error for a textual socket address
func AddrParse(text string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidInput,
		Addr:   text,
		Detail: "invalid socket address",
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// WithPhase returns a copy of err attributed to phase. Non-*Error values
// are wrapped as KindOther.
func WithPhase(phase Phase, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		cp := *e
		cp.Phase = phase
		return &cp
	}
	return &Error{
		Phase: phase,
		Kind:  KindOther,
		Cause: err,
	}
}
