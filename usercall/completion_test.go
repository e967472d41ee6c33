package usercall

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-net/errors"
)

func TestCompletion_PollBeforeAndAfter(t *testing.T) {
	c := newCompletion[int](nil, nil)

	assert.False(t, c.Ready())
	_, err := c.Poll()
	assert.True(t, errors.IsKind(err, errors.KindWouldBlock))

	c.finish(42, nil)
	assert.True(t, c.Ready())
	v, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestCompletion_FinishOnce(t *testing.T) {
	c := newCompletion[int](nil, nil)
	c.finish(1, nil)
	c.finish(2, errors.Other(errors.PhasePoll, "late"))

	v, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCompletion_Wait(t *testing.T) {
	c := newCompletion[string](nil, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.finish("done", nil)
	}()

	v, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestCompletion_WaitContextExpires(t *testing.T) {
	c := newCompletion[int](nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
	assert.False(t, c.Canceled(), "an expired wait must not cancel the usercall")

	c.finish(7, nil)
	v, err := c.Poll()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCompletion_ErrorResult(t *testing.T) {
	c := newCompletion[int](nil, nil)
	c.finish(0, errors.New(errors.PhaseConnect, errors.KindConnectionRefused).Build())

	_, err := c.Poll()
	assert.True(t, errors.IsKind(err, errors.KindConnectionRefused))
}

func TestCompletion_CancelBeforeFinishReleasesLateResult(t *testing.T) {
	var ctxCanceled, released atomic.Int32
	c := newCompletion[int](func() { ctxCanceled.Add(1) }, func(int) { released.Add(1) })

	c.Cancel()
	c.Cancel()
	assert.Equal(t, int32(1), ctxCanceled.Load(), "Cancel is idempotent")

	c.finish(5, nil)
	assert.Equal(t, int32(1), released.Load())

	_, err := c.Poll()
	assert.True(t, errors.IsKind(err, errors.KindCanceled))
}

func TestCompletion_CancelAfterFinish(t *testing.T) {
	t.Run("unobserved result is released", func(t *testing.T) {
		var released atomic.Int32
		c := newCompletion[int](nil, func(int) { released.Add(1) })
		c.finish(5, nil)
		c.Cancel()
		assert.Equal(t, int32(1), released.Load())
	})

	t.Run("observed result is kept", func(t *testing.T) {
		var released atomic.Int32
		c := newCompletion[int](nil, func(int) { released.Add(1) })
		c.finish(5, nil)
		_, err := c.Poll()
		require.NoError(t, err)
		c.Cancel()
		assert.Zero(t, released.Load())
	})

	t.Run("failed result has nothing to release", func(t *testing.T) {
		var released atomic.Int32
		c := newCompletion[int](nil, func(int) { released.Add(1) })
		c.finish(0, errors.Other(errors.PhaseConnect, "x"))
		c.Cancel()
		assert.Zero(t, released.Load())
	})
}
