package contracts

import (
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestNewErrorDescriptor(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		d := NewErrorDescriptor(ErrorKindHandler, errors.New("division by zero"))

		assert.Equal(t, ErrorKindHandler, d.Kind)
		assert.Equal(t, "division by zero", d.Message)
		assert.Empty(t, d.Cause)
		assert.Equal(t, "handler: division by zero", d.String())
	})

	t.Run("wrapped error keeps the root cause", func(t *testing.T) {
		root := errors.New("connection refused")
		err := fmt.Errorf("lookup failed: %w", fmt.Errorf("dial: %w", root))

		d := NewErrorDescriptor(ErrorKindHandler, err)
		assert.Equal(t, "lookup failed: dial: connection refused", d.Message)
		assert.Equal(t, "connection refused", d.Cause)
		assert.Contains(t, d.String(), "(cause: connection refused)")
	})

	t.Run("nil error", func(t *testing.T) {
		d := NewErrorDescriptor(ErrorKindPanic, nil)
		assert.Equal(t, "unknown error", d.Message)
	})

	t.Run("nil descriptor renders empty", func(t *testing.T) {
		var d *ErrorDescriptor
		assert.Empty(t, d.String())
	})
}

func TestReplyEnvelope(t *testing.T) {
	assert.False(t, ReplyEnvelope[int]{Payload: 5}.IsError())
	assert.True(t, ReplyEnvelope[int]{Error: &ErrorDescriptor{Kind: ErrorKindDecode}}.IsError())
}

func TestNewMessageContext(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := amqp.Delivery{
		ConsumerTag:   "ctag",
		DeliveryTag:   7,
		Redelivered:   true,
		Exchange:      "calc",
		RoutingKey:    "calc.requests",
		ContentType:   "application/json",
		CorrelationId: "abc",
		ReplyTo:       "amq.rabbitmq.reply-to.g1",
		MessageId:     "m1",
		Expiration:    "2000",
		Timestamp:     ts,
		Headers:       amqp.Table{"x-attempt": int32(2)},
	}

	mc := NewMessageContext(d)
	assert.Equal(t, "ctag", mc.ConsumerTag)
	assert.Equal(t, uint64(7), mc.DeliveryTag)
	assert.True(t, mc.Redelivered)
	assert.Equal(t, "calc.requests", mc.RoutingKey)
	assert.Equal(t, MessageProperties{
		ContentType:   "application/json",
		CorrelationID: "abc",
		ReplyTo:       "amq.rabbitmq.reply-to.g1",
		MessageID:     "m1",
		Expiration:    "2000",
		Timestamp:     ts,
		Headers:       map[string]interface{}{"x-attempt": int32(2)},
	}, mc.Properties)

	// headers are copied
	d.Headers["x-attempt"] = int32(3)
	assert.Equal(t, int32(2), mc.Properties.Headers["x-attempt"])

	assert.Nil(t, NewMessageContext(amqp.Delivery{}).Properties.Headers)
}
