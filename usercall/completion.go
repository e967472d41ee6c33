package usercall

import (
	"context"
	"sync"

	"github.com/wippyai/enclave-net/errors"
)

// Completion is the pending handle of an asynchronous usercall. The
// usercall finishes exactly once; Poll and Wait observe the outcome.
type Completion[T any] struct {
	done    chan struct{}
	cancel  context.CancelFunc
	release func(T)

	mu       sync.Mutex
	val      T
	err      error
	finished bool
	canceled bool
	taken    bool
}

func newCompletion[T any](cancel context.CancelFunc, release func(T)) *Completion[T] {
	return &Completion[T]{
		done:    make(chan struct{}),
		cancel:  cancel,
		release: release,
	}
}

// finish stores the outcome. A successful result arriving after Cancel is
// released instead of stored.
func (c *Completion[T]) finish(val T, err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.canceled {
		c.mu.Unlock()
		if err == nil && c.release != nil {
			c.release(val)
		}
		close(c.done)
		return
	}
	c.val, c.err = val, err
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	close(c.done)
}

// Ready reports whether the usercall has finished.
func (c *Completion[T]) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the usercall finishes.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Poll returns the outcome without blocking. While the usercall is in
// flight it returns a KindWouldBlock error.
func (c *Completion[T]) Poll() (T, error) {
	if !c.Ready() {
		var zero T
		return zero, errors.WouldBlock(errors.PhasePoll)
	}
	return c.result()
}

// Wait blocks until the usercall finishes or ctx is done. An expired ctx
// does not cancel the usercall; the caller may Wait again or Cancel.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result()
	case <-ctx.Done():
		var zero T
		return zero, MapError(errors.PhasePoll, ctx.Err(), "")
	}
}

func (c *Completion[T]) result() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		var zero T
		return zero, errors.New(errors.PhasePoll, errors.KindCanceled).Detail("usercall canceled").Build()
	}
	if c.err == nil {
		c.taken = true
	}
	return c.val, c.err
}

// Cancel abandons the usercall. If it already produced a result that was
// never observed through Poll or Wait, that result is released. Cancel is
// idempotent.
func (c *Completion[T]) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	var (
		val       T
		doRelease bool
	)
	if c.finished && c.err == nil && !c.taken {
		val, doRelease = c.val, true
		var zero T
		c.val = zero
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if doRelease && c.release != nil {
		c.release(val)
	}
}

// Canceled reports whether Cancel was called.
func (c *Completion[T]) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}
