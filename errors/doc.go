// Package errors provides structured error types for enclave-net.
//
// Errors are categorized by Phase (which operation produced them) and Kind
// (error category). Callers branch on Kind, never on message text:
//
//	if errors.IsKind(err, errors.KindWouldBlock) {
//		// still pending, poll again later
//	}
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConnect, errors.KindConnectionRefused).
//		Addr("10.0.0.1:443").
//		Cause(sysErr).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.WouldBlock(errors.PhasePoll)
//	err := errors.Other(errors.PhaseUsercall, "listener closed")
//
// All errors implement the standard error interface and support errors.Is/As.
// A platform error carried as Cause stays reachable through Unwrap, so
// errors.Is(err, syscall.ECONNREFUSED) keeps working after classification.
package errors
