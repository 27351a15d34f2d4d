package interceptors

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func double(_ context.Context, n int) (int, error) {
	return n * 2, nil
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Interceptor[int, int] {
		return func(next rpc.HandlerFunc[int, int]) rpc.HandlerFunc[int, int] {
			return func(ctx context.Context, n int) (int, error) {
				order = append(order, name+":before")
				result, err := next(ctx, n)
				order = append(order, name+":after")
				return result, err
			}
		}
	}

	handler := Apply(double, trace("outer"), trace("inner"))
	result, err := handler(context.Background(), 21)

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, []string{"outer:before", "inner:before", "inner:after", "outer:after"}, order)

	t.Run("empty chain returns the handler unchanged", func(t *testing.T) {
		result, err := Apply[int, int](double)(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, 4, result)
	})
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := rpc.WithMessageContext(context.Background(), contracts.MessageContext{
		RoutingKey: "calc",
		Properties: contracts.MessageProperties{CorrelationID: "corr-1"},
	})

	failing := func(context.Context, int) (int, error) { return 0, errors.New("bad input") }
	_, err := Apply(failing, Logging[int, int](logger))(ctx, 1)
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "correlationId=corr-1")
	assert.Contains(t, out, "request failed")
	assert.Contains(t, out, "bad input")
}

func TestRecovery(t *testing.T) {
	panicking := func(context.Context, int) (int, error) { panic("kaboom") }

	_, err := Apply(panicking, Recovery[int, int](quietLogger()))(context.Background(), 1)

	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTimeout(t *testing.T) {
	t.Run("fast handlers pass through", func(t *testing.T) {
		result, err := Apply(double, Timeout[int, int](time.Second))(context.Background(), 4)
		require.NoError(t, err)
		assert.Equal(t, 8, result)
	})

	t.Run("slow handlers time out and see cancellation", func(t *testing.T) {
		cancelled := make(chan struct{})
		slow := func(ctx context.Context, n int) (int, error) {
			<-ctx.Done()
			close(cancelled)
			return n, ctx.Err()
		}

		_, err := Apply(slow, Timeout[int, int](10*time.Millisecond))(context.Background(), 1)
		assert.ErrorIs(t, err, ErrHandlerTimeout)

		select {
		case <-cancelled:
		case <-time.After(time.Second):
			t.Fatal("handler context was not cancelled")
		}
	})
}

func TestRateLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	handler := Apply(double, RateLimit[int, int](limiter))

	_, err := handler(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = handler(ctx, 1)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRetry(t *testing.T) {
	policy := reliability.NewExponentialBackoff(time.Millisecond, 5*time.Millisecond, 2, 3)

	t.Run("retries until success", func(t *testing.T) {
		var calls atomic.Int32
		flaky := func(_ context.Context, n int) (int, error) {
			if calls.Add(1) < 3 {
				return 0, errors.New("temporarily unavailable")
			}
			return n + 1, nil
		}

		result, err := Apply(flaky, Retry[int, int](policy, quietLogger()))(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 2, result)
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("permanent errors stop at once", func(t *testing.T) {
		var calls atomic.Int32
		broken := func(context.Context, int) (int, error) {
			calls.Add(1)
			return 0, reliability.Permanent(errors.New("invalid request"))
		}

		_, err := Apply(broken, Retry[int, int](policy, quietLogger()))(context.Background(), 1)
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "invalid request"))
		assert.EqualValues(t, 1, calls.Load())
	})
}

func TestCircuitBreaker(t *testing.T) {
	cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2), reliability.WithTimeout(time.Minute))
	var calls atomic.Int32
	failing := func(context.Context, int) (int, error) {
		calls.Add(1)
		return 0, errors.New("downstream down")
	}
	handler := Apply(failing, CircuitBreaker[int, int](cb))

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), 1)
		require.Error(t, err)
	}

	_, err := handler(context.Background(), 1)
	assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
	assert.EqualValues(t, 2, calls.Load())
}
