package messaging

import "github.com/glimte/rabbitrpc/contracts"

// ConsumerErrorStrategy maps consumer failures to ack decisions
type ConsumerErrorStrategy interface {
	// HandleConsumerError is asked when the handler failed for a delivery
	HandleConsumerError(mc contracts.MessageContext, err error) AckDecision
	// HandleConsumerCancelled is asked for every delivery still in flight when
	// the broker cancels the consumer
	HandleConsumerCancelled(mc contracts.MessageContext) AckDecision
}

// DefaultConsumerErrorStrategy requeues on any error or cancellation
type DefaultConsumerErrorStrategy struct{}

func (DefaultConsumerErrorStrategy) HandleConsumerError(contracts.MessageContext, error) AckDecision {
	return RequeueReject
}

func (DefaultConsumerErrorStrategy) HandleConsumerCancelled(contracts.MessageContext) AckDecision {
	return RequeueReject
}

// DeadLetterErrorStrategy dead-letters on any error or cancellation
type DeadLetterErrorStrategy struct{}

func (DeadLetterErrorStrategy) HandleConsumerError(contracts.MessageContext, error) AckDecision {
	return DeadLetterReject
}

func (DeadLetterErrorStrategy) HandleConsumerCancelled(contracts.MessageContext) AckDecision {
	return DeadLetterReject
}

// RequeueOnceErrorStrategy requeues a failed delivery the first time and
// dead-letters it when it fails again after redelivery
type RequeueOnceErrorStrategy struct{}

func (RequeueOnceErrorStrategy) HandleConsumerError(mc contracts.MessageContext, _ error) AckDecision {
	if mc.Redelivered {
		return DeadLetterReject
	}
	return RequeueReject
}

func (RequeueOnceErrorStrategy) HandleConsumerCancelled(contracts.MessageContext) AckDecision {
	return RequeueReject
}
