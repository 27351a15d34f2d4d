package messaging

import (
	"fmt"

	"github.com/glimte/rabbitrpc/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AckDecision is how a delivery gets settled
type AckDecision int

const (
	// Accept removes the delivery from the queue
	Accept AckDecision = iota
	// RequeueReject returns the delivery to the queue for another attempt
	RequeueReject
	// DeadLetterReject rejects without requeue; the broker dead-letters it
	// when the queue has a dead-letter exchange and drops it otherwise
	DeadLetterReject
)

func (d AckDecision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RequeueReject:
		return "requeue"
	case DeadLetterReject:
		return "dead-letter"
	default:
		return fmt.Sprintf("AckDecision(%d)", int(d))
	}
}

// Settle applies decision to the delivery identified by tag
func Settle(ack amqp.Acknowledger, tag uint64, decision AckDecision) error {
	if ack == nil {
		return ErrNoAcknowledger
	}

	switch decision {
	case Accept:
		return ack.Ack(tag, false)
	case RequeueReject:
		return ack.Nack(tag, false, true)
	case DeadLetterReject:
		return ack.Nack(tag, false, false)
	default:
		return fmt.Errorf("messaging: unknown ack decision %d", int(decision))
	}
}

// SettleDelivery applies decision to d
func SettleDelivery(d amqp.Delivery, decision AckDecision) error {
	return Settle(d.Acknowledger, d.DeliveryTag, decision)
}

// AcknowledgmentStrategy picks the decision for a delivery that was handled
type AcknowledgmentStrategy interface {
	Decide(mc contracts.MessageContext) AckDecision
}

// AckFunc adapts a function to AcknowledgmentStrategy
type AckFunc func(mc contracts.MessageContext) AckDecision

// Decide implements AcknowledgmentStrategy
func (f AckFunc) Decide(mc contracts.MessageContext) AckDecision {
	return f(mc)
}

// Always returns a strategy that answers decision for every delivery
func Always(decision AckDecision) AcknowledgmentStrategy {
	return AckFunc(func(contracts.MessageContext) AckDecision {
		return decision
	})
}
