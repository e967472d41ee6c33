package errors

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseConnect,
				Kind:   KindConnectionRefused,
				Addr:   "127.0.0.1:9",
				Detail: "dial failed",
			},
			contains: []string{"[connect]", "connection_refused", "at 127.0.0.1:9", "dial failed"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhasePoll,
				Kind:  KindWouldBlock,
			},
			contains: []string{"[poll]", "would_block"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseBind,
				Kind:   KindAddressInUse,
				Detail: "listen",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[bind]", "address_in_use", "listen", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	err := &Error{
		Phase: PhaseConnect,
		Kind:  KindConnectionRefused,
		Cause: syscall.ECONNREFUSED,
	}

	if !errors.Is(err.Unwrap(), syscall.ECONNREFUSED) {
		t.Error("Unwrap did not return cause")
	}

	// platform errors stay reachable through the classification
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Error("errors.Is did not reach the platform errno")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseAccept,
		Kind:  KindWouldBlock,
	}

	if !err.Is(&Error{Phase: PhaseAccept, Kind: KindWouldBlock}) {
		t.Error("Is should match same phase and kind")
	}
	if err.Is(&Error{Phase: PhaseConnect, Kind: KindWouldBlock}) {
		t.Error("Is should not match different phase")
	}
	if err.Is(&Error{Phase: PhaseAccept, Kind: KindOther}) {
		t.Error("Is should not match different kind")
	}
	if !errors.Is(err, ErrWouldBlock) {
		t.Error("phase-less sentinel should match on kind alone")
	}
	if errors.Is(err, ErrClosed) {
		t.Error("sentinel of another kind should not match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseConnect, KindTimeout).
		Addr("10.0.0.1:443").
		Cause(cause).
		Detail("gave up after %d ms", 250).
		Build()

	if err.Phase != PhaseConnect {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseConnect)
	}
	if err.Kind != KindTimeout {
		t.Errorf("Kind = %v, want %v", err.Kind, KindTimeout)
	}
	if err.Addr != "10.0.0.1:443" {
		t.Errorf("Addr = %v, want 10.0.0.1:443", err.Addr)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "gave up after 250 ms" {
		t.Errorf("Detail = %v, want 'gave up after 250 ms'", err.Detail)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindOther},
		{"direct", WouldBlock(PhasePoll), KindWouldBlock},
		{"wrapped", fmt.Errorf("outer: %w", Closed(PhaseIO, "stream")), KindClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("connect: %w", WouldBlock(PhaseConnect))
	if !IsKind(err, KindWouldBlock) {
		t.Error("IsKind should see through fmt wrapping")
	}
	if IsKind(Other(PhaseUsercall, "would block"), KindWouldBlock) {
		t.Error("IsKind must not match on message text")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("WouldBlock", func(t *testing.T) {
		err := WouldBlock(PhaseAccept)
		if err.Kind != KindWouldBlock {
			t.Errorf("Kind = %v, want %v", err.Kind, KindWouldBlock)
		}
		if !err.Temporary() {
			t.Error("would-block should be temporary")
		}
	})

	t.Run("Other", func(t *testing.T) {
		err := Other(PhaseUsercall, "host gone")
		if err.Kind != KindOther {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOther)
		}
		if err.Detail != "host gone" {
			t.Errorf("Detail = %q, want 'host gone'", err.Detail)
		}
		if err.Temporary() {
			t.Error("other should not be temporary")
		}
	})

	t.Run("InvalidState", func(t *testing.T) {
		err := InvalidState(PhaseState, "start", "ready")
		if err.Kind != KindInvalidState {
			t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidState)
		}
		if !strings.Contains(err.Detail, "ready") {
			t.Errorf("Detail = %v, should name the current state", err.Detail)
		}
	})

	t.Run("AddrParse", func(t *testing.T) {
		err := AddrParse("nope", errors.New("missing port"))
		if err.Phase != PhaseParse || err.Kind != KindInvalidInput {
			t.Errorf("got [%s] %s", err.Phase, err.Kind)
		}
		if err.Addr != "nope" {
			t.Errorf("Addr = %q, want 'nope'", err.Addr)
		}
	})

	t.Run("BadHandle", func(t *testing.T) {
		err := BadHandle(PhaseUsercall, 7)
		if err.Kind != KindBadHandle {
			t.Errorf("Kind = %v, want %v", err.Kind, KindBadHandle)
		}
		if !strings.Contains(err.Detail, "7") {
			t.Errorf("Detail = %v, should contain handle", err.Detail)
		}
	})
}

func TestWithPhase(t *testing.T) {
	orig := WouldBlock(PhasePoll)
	moved := WithPhase(PhaseConnect, orig)
	if moved.Phase != PhaseConnect || moved.Kind != KindWouldBlock {
		t.Errorf("got [%s] %s", moved.Phase, moved.Kind)
	}
	if orig.Phase != PhasePoll {
		t.Error("WithPhase must not mutate the original")
	}

	plain := WithPhase(PhaseIO, errors.New("eof"))
	if plain.Kind != KindOther {
		t.Errorf("Kind = %v, want %v", plain.Kind, KindOther)
	}

	if WithPhase(PhaseIO, nil) != nil {
		t.Error("nil in, nil out")
	}
}
