package messaging_test

import (
	"testing"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/rabbitmqtest"
	"github.com/glimte/rabbitrpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareBinding(t *testing.T) {
	t.Run("declares exchange, queue and binding", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := b.NewChannel()

		binding := contracts.NewBinding("calc",
			contracts.WithQueue("calc.requests"),
			contracts.WithRoutingKey("math"),
		)
		queue, err := messaging.DeclareBinding(ch, binding, false)
		require.NoError(t, err)

		assert.Equal(t, "calc.requests", queue)
		assert.Equal(t, "direct", b.ExchangeKind("calc"))
		assert.Equal(t, []string{"math"}, b.Bindings("calc", "calc.requests"))
	})

	t.Run("broker names an empty queue", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := b.NewChannel()

		queue, err := messaging.DeclareBinding(ch, contracts.NewBinding("events", contracts.WithExchangeType(contracts.ExchangeFanout)), true)
		require.NoError(t, err)

		assert.NotEmpty(t, queue)
		assert.True(t, b.HasQueue(queue))
	})

	t.Run("redeclaring is idempotent", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := b.NewChannel()
		binding := contracts.NewBinding("calc", contracts.WithQueue("calc.requests"))

		_, err := messaging.DeclareBinding(ch, binding, false)
		require.NoError(t, err)
		_, err = messaging.DeclareBinding(ch, binding, false)
		require.NoError(t, err)

		assert.Len(t, b.Bindings("calc", "calc.requests"), 1)
	})

	t.Run("dead-letter exchange is declared with its queue", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := b.NewChannel()
		binding := contracts.NewBinding("calc",
			contracts.WithQueue("calc.requests"),
			contracts.WithDeadLetterExchange("calc.dlx"),
		)

		_, err := messaging.DeclareBinding(ch, binding, false)
		require.NoError(t, err)

		assert.Equal(t, "fanout", b.ExchangeKind("calc.dlx"))
		assert.True(t, b.HasQueue("calc.dlx"+messaging.DeadLetterQueueSuffix))
		assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "calc.dlx"}, b.QueueArgs("calc.requests"))
	})

	t.Run("declaration failures are TopologyErrors", func(t *testing.T) {
		b := rabbitmqtest.NewBroker()
		ch := b.NewChannel()
		require.NoError(t, messaging.DeclareExchange(ch, "calc", contracts.ExchangeFanout, false, true))

		_, err := messaging.DeclareBinding(ch, contracts.NewBinding("calc"), false)

		var topoErr *messaging.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "calc", topoErr.Name)
	})

	t.Run("invalid bindings are refused", func(t *testing.T) {
		ch := rabbitmqtest.NewBroker().NewChannel()
		_, err := messaging.DeclareBinding(ch, contracts.Binding{}, false)
		assert.ErrorIs(t, err, contracts.ErrInvalidBinding)
	})
}
