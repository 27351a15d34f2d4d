package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelHandle(t *testing.T) {
	t.Run("empty handle has no lease", func(t *testing.T) {
		h := NewChannelHandle()
		_, err := h.Current()
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("Install bumps the version", func(t *testing.T) {
		h := NewChannelHandle()
		first := NewLease(nil, nil, nil)
		second := NewLease(nil, nil, nil)

		require.NoError(t, h.Install(first))
		require.NoError(t, h.Install(second))

		current, err := h.Current()
		require.NoError(t, err)
		assert.Same(t, second, current)
		assert.Equal(t, uint64(1), first.Version())
		assert.Equal(t, uint64(2), second.Version())
		assert.Equal(t, uint64(2), h.Version())
	})

	t.Run("Invalidate ignores stale leases", func(t *testing.T) {
		h := NewChannelHandle()
		old := NewLease(nil, nil, nil)
		current := NewLease(nil, nil, nil)
		require.NoError(t, h.Install(old))
		require.NoError(t, h.Install(current))

		assert.False(t, h.Invalidate(old))
		assert.True(t, h.Invalidate(current))

		_, err := h.Current()
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("Wait blocks until a lease is installed", func(t *testing.T) {
		h := NewChannelHandle()
		lease := NewLease(nil, nil, nil)

		got := make(chan *Lease, 1)
		go func() {
			l, err := h.Wait(context.Background())
			assert.NoError(t, err)
			got <- l
		}()

		select {
		case <-got:
			t.Fatal("Wait returned before Install")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, h.Install(lease))
		select {
		case l := <-got:
			assert.Same(t, lease, l)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return")
		}
	})

	t.Run("Wait honours the context", func(t *testing.T) {
		h := NewChannelHandle()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := h.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Close wakes waiters and refuses installs", func(t *testing.T) {
		h := NewChannelHandle()

		done := make(chan error, 1)
		go func() {
			_, err := h.Wait(context.Background())
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		assert.Nil(t, h.Close())
		assert.ErrorIs(t, <-done, ErrSessionClosed)
		assert.ErrorIs(t, h.Install(NewLease(nil, nil, nil)), ErrSessionClosed)
		assert.Nil(t, h.Close())
	})

	t.Run("Close returns the installed lease", func(t *testing.T) {
		h := NewChannelHandle()
		lease := NewLease(nil, nil, nil)
		require.NoError(t, h.Install(lease))

		assert.Same(t, lease, h.Close())
	})
}
