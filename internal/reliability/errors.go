package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen matches every CircuitBreakerError via errors.Is
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrUnknownState is returned for a corrupted breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError is returned when the breaker refuses a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	}
	return fmt.Sprintf("circuit breaker %s %s: call limited", e.Name, e.State)
}

// Is lets errors.Is(err, ErrCircuitOpen) match
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports false while the breaker is still open
func (e *CircuitBreakerError) IsRetryable() bool {
	return e.State != StateOpen || time.Now().After(e.NextRetry)
}
