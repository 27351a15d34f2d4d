package contracts

import (
	"errors"
	"fmt"
)

// RequestEnvelope wraps an RPC request payload for transport.
// CorrelationID and ReplyTo mirror the AMQP properties of the same name so a
// responder can still answer when the properties were stripped in transit.
type RequestEnvelope[T any] struct {
	Payload       T      `json:"payload" msgpack:"payload"`
	CorrelationID string `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
	ReplyTo       string `json:"replyTo,omitempty" msgpack:"replyTo,omitempty"`
}

// ReplyEnvelope wraps an RPC reply. Exactly one of Payload or Error is meaningful:
// a non-nil Error marks the reply as failed.
type ReplyEnvelope[T any] struct {
	Payload       T                `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Error         *ErrorDescriptor `json:"error,omitempty" msgpack:"error,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`
}

// IsError reports whether the reply carries an error descriptor
func (r ReplyEnvelope[T]) IsError() bool {
	return r.Error != nil
}

// ErrorKind classifies where an error reply originated
type ErrorKind string

const (
	// ErrorKindHandler is a failure returned by user handler code
	ErrorKindHandler ErrorKind = "handler"
	// ErrorKindPanic is a panic recovered from user handler code
	ErrorKindPanic ErrorKind = "panic"
	// ErrorKindDecode is a request the responder could not decode
	ErrorKindDecode ErrorKind = "decode"
)

// ErrorDescriptor is the wire form of a failed call
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind" msgpack:"kind"`
	Message string    `json:"message" msgpack:"message"`
	Cause   string    `json:"cause,omitempty" msgpack:"cause,omitempty"`
}

// NewErrorDescriptor builds a descriptor from err. The cause is the innermost
// wrapped error when it differs from the top-level message.
func NewErrorDescriptor(kind ErrorKind, err error) *ErrorDescriptor {
	if err == nil {
		return &ErrorDescriptor{Kind: kind, Message: "unknown error"}
	}

	desc := &ErrorDescriptor{
		Kind:    kind,
		Message: err.Error(),
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	if root != err {
		desc.Cause = root.Error()
	}

	return desc
}

// String renders the descriptor for logs and error messages
func (d *ErrorDescriptor) String() string {
	if d == nil {
		return ""
	}
	if d.Cause != "" {
		return fmt.Sprintf("%s: %s (cause: %s)", d.Kind, d.Message, d.Cause)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}
