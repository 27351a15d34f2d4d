// Package interceptors provides middleware for RPC handlers.
//
// An Interceptor wraps an rpc.HandlerFunc; Chain composes several with the
// first one outermost:
//
//	handler := interceptors.Apply(calculate,
//		interceptors.Recovery[Request, int](logger),
//		interceptors.Logging[Request, int](logger),
//		interceptors.Timeout[Request, int](5*time.Second),
//	)
//	err := server.RespondAsync(ctx, handler)
//
// Built-in interceptors cover logging, panic recovery, timeouts, rate
// limiting, retries and circuit breaking.
package interceptors
