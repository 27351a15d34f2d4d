package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed      = errors.New("messaging: session is closed")
	ErrChannelUnavailable = errors.New("messaging: no channel available")
	ErrChannelClosed      = errors.New("messaging: channel closed")
	ErrPublishNacked      = errors.New("messaging: publish not acknowledged by broker")
	ErrNoAcknowledger     = errors.New("messaging: delivery has no acknowledger")
	ErrConsumerCancelled  = errors.New("messaging: consumer cancelled by broker")
)

// PublishError represents a failed publish
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: publish to %q with key %q failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed exchange, queue or binding declaration
type TopologyError struct {
	Component string // exchange, queue or binding
	Name      string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("messaging: failed to declare %s %q: %v", e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}
