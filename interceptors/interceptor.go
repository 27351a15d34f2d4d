package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/rabbitrpc/rpc"
)

var (
	// ErrHandlerTimeout is returned when a handler outlives its Timeout
	ErrHandlerTimeout = errors.New("interceptors: handler timed out")
	// ErrHandlerPanic wraps a panic caught by Recovery
	ErrHandlerPanic = errors.New("interceptors: handler panicked")
)

// Interceptor wraps a handler with a cross-cutting concern
type Interceptor[I, O any] func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O]

// Chain composes interceptors; the first one is the outermost
func Chain[I, O any](interceptors ...Interceptor[I, O]) Interceptor[I, O] {
	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// Apply wraps handler with interceptors
func Apply[I, O any](handler rpc.HandlerFunc[I, O], interceptors ...Interceptor[I, O]) rpc.HandlerFunc[I, O] {
	return Chain(interceptors...)(handler)
}

// Logging logs every request with its duration and outcome
func Logging[I, O any](logger *slog.Logger) Interceptor[I, O] {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (O, error) {
			start := time.Now()
			attrs := []any{}
			if mc, ok := rpc.MessageContextFrom(ctx); ok {
				attrs = append(attrs,
					"correlationId", mc.Properties.CorrelationID,
					"routingKey", mc.RoutingKey,
					"redelivered", mc.Redelivered)
			}

			logger.Debug("handling request", attrs...)

			result, err := next(ctx, request)
			attrs = append(attrs, "duration", time.Since(start))
			if err != nil {
				logger.Error("request failed", append(attrs, "error", err)...)
			} else {
				logger.Info("request handled", attrs...)
			}
			return result, err
		}
	}
}

// Recovery turns a handler panic into an error wrapping ErrHandlerPanic and
// logs the stack
func Recovery[I, O any](logger *slog.Logger) Interceptor[I, O] {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (result O, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("recovered handler panic",
						"panic", p,
						"stack", string(debug.Stack()))
					var zero O
					result, err = zero, fmt.Errorf("%w: %v", ErrHandlerPanic, p)
				}
			}()
			return next(ctx, request)
		}
	}
}

// Timeout bounds a handler. The handler keeps running in the background
// after the deadline; it sees its context cancelled.
func Timeout[I, O any](timeout time.Duration) Interceptor[I, O] {
	return func(next rpc.HandlerFunc[I, O]) rpc.HandlerFunc[I, O] {
		return func(ctx context.Context, request I) (O, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result O
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, request)
				done <- outcome{result: result, err: err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-ctx.Done():
				var zero O
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return zero, fmt.Errorf("%w after %v", ErrHandlerTimeout, timeout)
				}
				return zero, ctx.Err()
			}
		}
	}
}
