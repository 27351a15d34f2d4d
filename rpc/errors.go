package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
)

var (
	// ErrTimeout is matched by every *TimeoutError
	ErrTimeout = errors.New("rpc: request timed out")
	// ErrClientClosed is returned by calls on a closed client and resolves
	// the calls still pending when the client closes
	ErrClientClosed = errors.New("rpc: client is closed")
	// ErrServerClosed is returned by RespondAsync on a closed server
	ErrServerClosed = errors.New("rpc: server is closed")
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("rpc: handler is nil")
	// ErrDuplicateCall is returned when a correlation id is already pending
	ErrDuplicateCall = errors.New("rpc: correlation id already pending")
)

// TimeoutError is the result of a call that got no reply in time
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: no reply for %s within %v", e.CorrelationID, e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) hold
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError is a failure reported by the responder
type RemoteError struct {
	CorrelationID string
	Descriptor    *contracts.ErrorDescriptor
}

func (e *RemoteError) Error() string {
	if e.Descriptor == nil {
		return "rpc: remote error"
	}
	return e.Descriptor.Message
}

// Kind returns where the failure originated on the responder
func (e *RemoteError) Kind() contracts.ErrorKind {
	if e.Descriptor == nil {
		return contracts.ErrorKindHandler
	}
	return e.Descriptor.Kind
}

// panicError carries a recovered handler panic
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
