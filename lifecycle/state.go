package lifecycle

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/enclave-net/errors"
)

// Phase identifies the active arm of a State.
type Phase uint8

const (
	PhaseNew Phase = iota
	PhasePending
	PhaseReady
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhasePending:
		return "pending"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can occur.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseError
}

type arm interface {
	phase() Phase
}

type newArm[N any] struct{ val N }
type pendingArm[P any] struct{ val P }
type readyArm[R any] struct{ val R }
type errorArm struct {
	err     error
	drained bool
}

func (*newArm[N]) phase() Phase     { return PhaseNew }
func (*pendingArm[P]) phase() Phase { return PhasePending }
func (*readyArm[R]) phase() Phase   { return PhaseReady }
func (*errorArm) phase() Phase      { return PhaseError }

// State is the phase of one in-flight socket operation. N is the
// not-yet-started descriptor, P the pending handle and R the result.
// The zero value is New holding the zero N.
//
// Copies of a State share the active arm: a copy taken while Pending
// aliases the same handle, and an error drained through one copy is gone
// from all of them.
type State[N, P, R any] struct {
	arm arm
}

// New returns a state in the New phase.
func New[N, P, R any](n N) State[N, P, R] {
	return State[N, P, R]{arm: &newArm[N]{val: n}}
}

// FromResult bridges a one-shot outcome into a state: a nil err yields
// Ready(r), anything else yields Error(err). It never yields New or Pending.
func FromResult[N, P, R any](r R, err error) State[N, P, R] {
	if err != nil {
		return State[N, P, R]{arm: &errorArm{err: err}}
	}
	return State[N, P, R]{arm: &readyArm[R]{val: r}}
}

// Phase returns the active phase.
func (s State[N, P, R]) Phase() Phase {
	if s.arm == nil {
		return PhaseNew
	}
	return s.arm.phase()
}

func (s State[N, P, R]) IsNew() bool     { return s.Phase() == PhaseNew }
func (s State[N, P, R]) IsPending() bool { return s.Phase() == PhasePending }
func (s State[N, P, R]) IsReady() bool   { return s.Phase() == PhaseReady }
func (s State[N, P, R]) IsError() bool   { return s.Phase() == PhaseError }

// AsNew returns the descriptor only if the state is New.
func (s State[N, P, R]) AsNew() (N, bool) {
	switch a := s.arm.(type) {
	case nil:
		var zero N
		return zero, true
	case *newArm[N]:
		return a.val, true
	}
	var zero N
	return zero, false
}

// AsReady returns the result only if the state is Ready.
func (s State[N, P, R]) AsReady() (R, bool) {
	if a, ok := s.arm.(*readyArm[R]); ok {
		return a.val, true
	}
	var zero R
	return zero, false
}

// AsPending returns a pointer to the in-flight handle only if the state is
// Pending. The pointer aliases the stored handle so a poller can advance it
// in place.
func (s *State[N, P, R]) AsPending() (*P, bool) {
	if a, ok := s.arm.(*pendingArm[P]); ok {
		return &a.val, true
	}
	return nil, false
}

// Start moves New to Pending, consuming the descriptor.
func (s *State[N, P, R]) Start(p P) error {
	if !s.IsNew() {
		return errors.InvalidState(errors.PhaseState, "start", s.Phase().String())
	}
	s.arm = &pendingArm[P]{val: p}
	return nil
}

// Complete moves New or Pending to Ready.
func (s *State[N, P, R]) Complete(r R) error {
	if s.Phase().Terminal() {
		return errors.InvalidState(errors.PhaseState, "complete", s.Phase().String())
	}
	s.arm = &readyArm[R]{val: r}
	return nil
}

// Fail moves New or Pending to Error. A nil err is rejected because the
// Error phase always carries exactly one error.
func (s *State[N, P, R]) Fail(err error) error {
	if err == nil {
		return errors.InvalidInput(errors.PhaseState, "fail requires a non-nil error")
	}
	if s.Phase().Terminal() {
		return errors.InvalidState(errors.PhaseState, "fail", s.Phase().String())
	}
	s.arm = &errorArm{err: err}
	return nil
}

// Resolve applies a finished outcome: Complete(r) when err is nil,
// Fail(err) otherwise.
func (s *State[N, P, R]) Resolve(r R, err error) error {
	if err != nil {
		return s.Fail(err)
	}
	return s.Complete(r)
}

// TakeError drains the error. If the state is Error it installs
// replacement and returns the error it held; otherwise it returns nil and
// leaves the state untouched. A given error is returned at most once, even
// across copies: a copy whose error was already drained elsewhere installs
// replacement and returns nil.
func (s *State[N, P, R]) TakeError(replacement State[N, P, R]) error {
	a, ok := s.arm.(*errorArm)
	if !ok {
		return nil
	}
	*s = replacement
	if a.drained {
		return nil
	}
	a.drained = true
	return a.err
}

// String renders the phase name only.
func (s State[N, P, R]) String() string {
	return s.Phase().String()
}

// GoString keeps %#v from printing payloads.
func (s State[N, P, R]) GoString() string {
	return s.Phase().String()
}

// Format renders the phase name for every verb, honoring width and the '-'
// flag.
func (s State[N, P, R]) Format(f fmt.State, _ rune) {
	name := s.Phase().String()
	if w, ok := f.Width(); ok && w > len(name) {
		pad := strings.Repeat(" ", w-len(name))
		if f.Flag('-') {
			name += pad
		} else {
			name = pad + name
		}
	}
	_, _ = io.WriteString(f, name)
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s State[N, P, R]) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("phase", s.Phase().String())
	return nil
}
