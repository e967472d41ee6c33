package usercall

import (
	"context"
	stderrors "errors"
	"net"
	"os"
	"syscall"

	"github.com/wippyai/enclave-net/errors"
)

// MapError classifies a platform error for phase. The original error is
// kept as the Cause. Errors that are already classified keep their kind and
// gain the phase; io.EOF and nil are returned unchanged by callers and never
// reach here.
func MapError(phase errors.Phase, err error, addr string) error {
	if err == nil {
		return nil
	}

	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return errors.WithPhase(phase, err)
	}

	return errors.New(phase, kindOf(err)).
		Addr(addr).
		Cause(err).
		Build()
}

func kindOf(err error) errors.Kind {
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.KindCanceled
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.KindTimeout
	case stderrors.Is(err, net.ErrClosed):
		return errors.KindClosed
	}

	var errno syscall.Errno
	if stderrors.As(err, &errno) {
		return mapErrno(errno)
	}

	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return errors.KindNameUnresolvable
		}
		if dnsErr.IsTimeout {
			return errors.KindTimeout
		}
		return errors.KindOther
	}

	var addrErr *net.AddrError
	if stderrors.As(err, &addrErr) {
		return errors.KindInvalidInput
	}

	var parseErr *net.ParseError
	if stderrors.As(err, &parseErr) {
		return errors.KindInvalidInput
	}

	if os.IsTimeout(err) {
		return errors.KindTimeout
	}
	if os.IsPermission(err) {
		return errors.KindAccessDenied
	}

	return errors.KindOther
}

func mapErrno(errno syscall.Errno) errors.Kind {
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return errors.KindAccessDenied
	case syscall.EADDRINUSE:
		return errors.KindAddressInUse
	case syscall.EADDRNOTAVAIL:
		return errors.KindAddressNotAvail
	case syscall.ECONNREFUSED:
		return errors.KindConnectionRefused
	case syscall.ECONNRESET, syscall.EPIPE:
		return errors.KindConnectionReset
	case syscall.ECONNABORTED:
		return errors.KindConnectionAborted
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return errors.KindUnreachable
	case syscall.ETIMEDOUT:
		return errors.KindTimeout
	case syscall.EINVAL:
		return errors.KindInvalidInput
	case syscall.EWOULDBLOCK, syscall.EINPROGRESS, syscall.EALREADY:
		return errors.KindWouldBlock
	case syscall.ENOTCONN:
		return errors.KindNotConnected
	case syscall.EBADF, syscall.ENOTSOCK:
		return errors.KindBadHandle
	default:
		return errors.KindOther
	}
}
