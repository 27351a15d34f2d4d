package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/rpc"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a request cannot get a token before its context ends
var ErrRateLimited = errors.New("interceptors: rate limit exceeded")

// RateLimit makes every request wait for a token from limiter
func RateLimit[I, O any](limiter *rate.Limiter) Interceptor[I, O] {
	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (O, error) {
			if err := limiter.Wait(ctx); err != nil {
				var zero O
				return zero, errors.Join(ErrRateLimited, err)
			}
			return next(ctx, request)
		}
	}
}

// Retry re-runs a failing handler as long as policy allows
func Retry[I, O any](policy reliability.RetryPolicy, logger *slog.Logger) Interceptor[I, O] {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (O, error) {
			var result O
			err := reliability.RetryWithNotify(ctx, policy, func() error {
				var err error
				result, err = next(ctx, request)
				return err
			}, func(attempt int, err error, delay time.Duration) {
				logger.Warn("retrying handler",
					"attempt", attempt+1,
					"retryIn", delay,
					"error", err)
			})
			return result, err
		}
	}
}

// CircuitBreaker fails fast while cb is open
func CircuitBreaker[I, O any](cb *reliability.CircuitBreaker) Interceptor[I, O] {
	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (O, error) {
			var result O
			err := cb.Execute(ctx, func() error {
				var err error
				result, err = next(ctx, request)
				return err
			})
			return result, err
		}
	}
}
