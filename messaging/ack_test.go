package messaging

import (
	"errors"
	"testing"

	"github.com/glimte/rabbitrpc/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func TestSettle(t *testing.T) {
	t.Run("Accept acks the single delivery", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)

		assert.NoError(t, Settle(ack, 7, Accept))
		ack.AssertExpectations(t)
	})

	t.Run("RequeueReject nacks with requeue", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil)

		assert.NoError(t, Settle(ack, 7, RequeueReject))
		ack.AssertExpectations(t)
	})

	t.Run("DeadLetterReject nacks without requeue", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(7), false, false).Return(nil)

		assert.NoError(t, Settle(ack, 7, DeadLetterReject))
		ack.AssertExpectations(t)
	})

	t.Run("acknowledger errors are returned", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(amqp.ErrClosed)

		assert.ErrorIs(t, Settle(ack, 1, Accept), amqp.ErrClosed)
	})

	t.Run("unknown decision is rejected", func(t *testing.T) {
		ack := &mockAcknowledger{}
		assert.Error(t, Settle(ack, 1, AckDecision(42)))
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("delivery without acknowledger", func(t *testing.T) {
		assert.ErrorIs(t, SettleDelivery(amqp.Delivery{DeliveryTag: 1}, Accept), ErrNoAcknowledger)
	})
}

func TestStrategies(t *testing.T) {
	fresh := contracts.MessageContext{DeliveryTag: 1}
	redelivered := contracts.MessageContext{DeliveryTag: 2, Redelivered: true}
	boom := errors.New("boom")

	t.Run("default requeues everything", func(t *testing.T) {
		s := DefaultConsumerErrorStrategy{}
		assert.Equal(t, RequeueReject, s.HandleConsumerError(fresh, boom))
		assert.Equal(t, RequeueReject, s.HandleConsumerCancelled(fresh))
	})

	t.Run("dead letter strategy never requeues", func(t *testing.T) {
		s := DeadLetterErrorStrategy{}
		assert.Equal(t, DeadLetterReject, s.HandleConsumerError(fresh, boom))
		assert.Equal(t, DeadLetterReject, s.HandleConsumerCancelled(fresh))
	})

	t.Run("requeue once dead-letters redeliveries", func(t *testing.T) {
		s := RequeueOnceErrorStrategy{}
		assert.Equal(t, RequeueReject, s.HandleConsumerError(fresh, boom))
		assert.Equal(t, DeadLetterReject, s.HandleConsumerError(redelivered, boom))
	})

	t.Run("Always answers a fixed decision", func(t *testing.T) {
		assert.Equal(t, DeadLetterReject, Always(DeadLetterReject).Decide(fresh))
	})

	t.Run("decision names", func(t *testing.T) {
		assert.Equal(t, "accept", Accept.String())
		assert.Equal(t, "requeue", RequeueReject.String())
		assert.Equal(t, "dead-letter", DeadLetterReject.String())
	})
}
