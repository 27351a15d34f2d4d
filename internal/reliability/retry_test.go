package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("NewExponentialBackoff enables jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errBoom)
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errBoom)
		assert.False(t, retry)
		assert.Zero(t, delay)
	})

	t.Run("negative max attempts never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)
		retry, _ := eb.ShouldRetry(1000, errBoom)
		assert.True(t, retry)
	})

	t.Run("permanent errors stop retries", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 5)
		retry, _ := eb.ShouldRetry(0, Permanent(errBoom))
		assert.False(t, retry)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 10)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 800*time.Millisecond, eb.NextDelay(3))
		assert.Equal(t, time.Second, eb.NextDelay(8))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	policy := &ExponentialBackoff{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2, MaxAttempts: 5}

	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns the last error when attempts run out", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return errBoom
		})

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 6, calls)
	})

	t.Run("stops on a permanent error", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), policy, func() error {
			calls++
			return Permanent(errBoom)
		})

		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		slow := &ExponentialBackoff{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1, MaxAttempts: -1}

		err := Retry(ctx, slow, func() error {
			cancel()
			return errBoom
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("notify sees every failed attempt", func(t *testing.T) {
		var attempts []int
		_ = RetryWithNotify(context.Background(), policy, func() error {
			return errors.New("still failing")
		}, func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		})

		assert.Equal(t, []int{0, 1, 2, 3, 4}, attempts)
	})
}
