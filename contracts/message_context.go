package contracts

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageContext is the read-only metadata of a single delivery
type MessageContext struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  MessageProperties
}

// MessageProperties holds the broker properties relevant to consumers
type MessageProperties struct {
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Expiration    string
	Timestamp     time.Time
	Headers       map[string]interface{}
}

// NewMessageContext captures the metadata of delivery
func NewMessageContext(delivery amqp.Delivery) MessageContext {
	var headers map[string]interface{}
	if len(delivery.Headers) > 0 {
		headers = make(map[string]interface{}, len(delivery.Headers))
		for k, v := range delivery.Headers {
			headers[k] = v
		}
	}

	return MessageContext{
		ConsumerTag: delivery.ConsumerTag,
		DeliveryTag: delivery.DeliveryTag,
		Redelivered: delivery.Redelivered,
		Exchange:    delivery.Exchange,
		RoutingKey:  delivery.RoutingKey,
		Properties: MessageProperties{
			ContentType:   delivery.ContentType,
			CorrelationID: delivery.CorrelationId,
			ReplyTo:       delivery.ReplyTo,
			MessageID:     delivery.MessageId,
			Expiration:    delivery.Expiration,
			Timestamp:     delivery.Timestamp,
			Headers:       headers,
		},
	}
}
