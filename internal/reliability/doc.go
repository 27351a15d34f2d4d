// Package reliability provides the retry and circuit breaker primitives used by
// the connection provider, the reconnecting session and the RPC client.
//
//	cb := NewCircuitBreaker(WithFailureThreshold(5), WithTimeout(30*time.Second))
//	err := cb.Execute(ctx, func() error {
//	    return publish()
//	})
package reliability
