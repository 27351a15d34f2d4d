package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/rabbitmqtest"
	"github.com/glimte/rabbitrpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderEvent struct {
	ID     string `json:"id" msgpack:"id"`
	Amount int    `json:"amount" msgpack:"amount"`
}

type inbox struct {
	mu       sync.Mutex
	messages []orderEvent
	contexts []contracts.MessageContext
}

func (i *inbox) handler(_ context.Context, msg orderEvent, mc contracts.MessageContext) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	i.contexts = append(i.contexts, mc)
	return nil
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.messages)
}

func (i *inbox) ids() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.messages))
	for _, m := range i.messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func newExchangeClient(t *testing.T, provider messaging.ChannelProvider, binding contracts.Binding, options ...messaging.ExchangeOption) *messaging.ExchangeClient[orderEvent] {
	t.Helper()
	options = append([]messaging.ExchangeOption{
		messaging.WithExchangeLogger(quietLogger()),
		messaging.WithSharedExchangeProvider(),
		messaging.WithExchangeSessionOptions(messaging.WithReconnectBackoff(time.Millisecond, 5*time.Millisecond)),
	}, options...)

	c, err := messaging.NewExchangeClient[orderEvent](context.Background(), provider, binding, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExchangeClient(t *testing.T) {
	ctx := context.Background()

	t.Run("fanout delivers to every subscriber", func(t *testing.T) {
		provider := rabbitmqtest.NewProvider(rabbitmqtest.NewBroker())
		binding := contracts.NewBinding("orders", contracts.WithExchangeType(contracts.ExchangeFanout))

		publisher := newExchangeClient(t, provider, binding)
		first := newExchangeClient(t, provider, binding)
		second := newExchangeClient(t, provider, binding)

		a, b := &inbox{}, &inbox{}
		require.NoError(t, first.Subscribe(ctx, a.handler))
		require.NoError(t, second.Subscribe(ctx, b.handler))

		require.NoError(t, publisher.Publish(ctx, orderEvent{ID: "o-1", Amount: 10}, ""))

		require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"o-1"}, a.ids())
		assert.Equal(t, []string{"o-1"}, b.ids())
		assert.Equal(t, "orders", a.contexts[0].Exchange)
	})

	t.Run("topic routes by pattern", func(t *testing.T) {
		provider := rabbitmqtest.NewProvider(rabbitmqtest.NewBroker())
		publisher := newExchangeClient(t, provider, contracts.NewBinding("audit", contracts.WithExchangeType(contracts.ExchangeTopic)))
		eu := newExchangeClient(t, provider, contracts.NewBinding("audit",
			contracts.WithExchangeType(contracts.ExchangeTopic),
			contracts.WithRoutingKey("orders.*.eu"),
		))

		received := &inbox{}
		require.NoError(t, eu.Subscribe(ctx, received.handler))

		require.NoError(t, publisher.Publish(ctx, orderEvent{ID: "us"}, "orders.created.us"))
		require.NoError(t, publisher.Publish(ctx, orderEvent{ID: "eu"}, "orders.created.eu"))

		require.Eventually(t, func() bool { return received.len() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"eu"}, received.ids())
	})

	t.Run("msgpack payloads are decoded by content type", func(t *testing.T) {
		provider := rabbitmqtest.NewProvider(rabbitmqtest.NewBroker())
		binding := contracts.NewBinding("orders", contracts.WithExchangeType(contracts.ExchangeFanout))

		publisher := newExchangeClient(t, provider, binding, messaging.WithExchangeCodec(serializationMsgpack()))
		subscriber := newExchangeClient(t, provider, binding)

		received := &inbox{}
		require.NoError(t, subscriber.Subscribe(ctx, received.handler))
		require.NoError(t, publisher.Publish(ctx, orderEvent{ID: "packed", Amount: 3}, ""))

		require.Eventually(t, func() bool { return received.len() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, "application/msgpack", received.contexts[0].Properties.ContentType)
	})

	t.Run("handler errors go through the error strategy", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		provider := rabbitmqtest.NewProvider(broker)
		binding := contracts.NewBinding("orders", contracts.WithQueue("orders.billing"))

		client := newExchangeClient(t, provider, binding, messaging.WithErrorStrategy(messaging.RequeueOnceErrorStrategy{}))

		var mu sync.Mutex
		var attempts []bool
		require.NoError(t, client.Subscribe(ctx, func(_ context.Context, _ orderEvent, mc contracts.MessageContext) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, mc.Redelivered)
			return errors.New("billing unavailable")
		}))

		require.NoError(t, client.Publish(ctx, orderEvent{ID: "o-2"}, ""))

		require.Eventually(t, func() bool { return len(broker.DeadLettered()) == 1 }, time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []bool{false, true}, attempts)
		mu.Unlock()
	})

	t.Run("undecodable messages are dead-lettered", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		provider := rabbitmqtest.NewProvider(broker)
		binding := contracts.NewBinding("orders", contracts.WithQueue("orders.audit"))

		client := newExchangeClient(t, provider, binding)
		received := &inbox{}
		require.NoError(t, client.Subscribe(ctx, received.handler))

		require.NoError(t, broker.Publish("orders", "", amqp.Publishing{ContentType: "application/json", Body: []byte("{not json")}))

		require.Eventually(t, func() bool { return len(broker.DeadLettered()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, received.len())
	})

	t.Run("subscriptions survive a reconnect", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		provider := rabbitmqtest.NewProvider(broker)
		binding := contracts.NewBinding("orders", contracts.WithExchangeType(contracts.ExchangeFanout))

		publisher := newExchangeClient(t, provider, binding)
		subscriber := newExchangeClient(t, provider, binding)
		received := &inbox{}
		require.NoError(t, subscriber.Subscribe(ctx, received.handler))

		broker.ShutdownAll(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		require.Eventually(t, func() bool {
			_ = publisher.Publish(ctx, orderEvent{ID: "after"}, "")
			return received.len() > 0
		}, 2*time.Second, 20*time.Millisecond)
		assert.Equal(t, "after", received.ids()[0])
	})

	t.Run("subscriptions resume after a broker cancel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		provider := rabbitmqtest.NewProvider(broker)
		binding := contracts.NewBinding("orders",
			contracts.WithExchangeType(contracts.ExchangeFanout),
			contracts.WithQueue("orders.q"),
			contracts.WithDurable(true),
			contracts.WithAutoDelete(false),
		)

		publisher := newExchangeClient(t, provider, binding)
		subscriber := newExchangeClient(t, provider, binding)
		received := &inbox{}
		require.NoError(t, subscriber.Subscribe(ctx, received.handler))

		for i, id := range []string{"o-1", "o-2", "o-3"} {
			require.NoError(t, publisher.Publish(ctx, orderEvent{ID: id}, ""))
			require.Eventually(t, func() bool { return received.len() == i+1 }, time.Second, 5*time.Millisecond)

			if i < 2 {
				require.Equal(t, 1, broker.CancelConsumers("orders.q"))
				require.Eventually(t, func() bool {
					return broker.ConsumerCount("orders.q") == 1
				}, time.Second, 5*time.Millisecond)
			}
		}

		assert.Equal(t, []string{"o-1", "o-2", "o-3"}, received.ids())
		assert.Zero(t, broker.QueueDepth("orders.q"))
	})

	t.Run("requires an exchange", func(t *testing.T) {
		provider := rabbitmqtest.NewProvider(rabbitmqtest.NewBroker())
		_, err := messaging.NewExchangeClient[orderEvent](ctx, provider, contracts.NewBinding("", contracts.WithQueue("q")))
		assert.ErrorIs(t, err, contracts.ErrInvalidBinding)
	})

	t.Run("Close releases an owned provider", func(t *testing.T) {
		provider := rabbitmqtest.NewProvider(rabbitmqtest.NewBroker())
		c, err := messaging.NewExchangeClient[orderEvent](ctx, provider, contracts.NewBinding("orders"),
			messaging.WithExchangeLogger(quietLogger()))
		require.NoError(t, err)

		assert.NoError(t, c.Close())
		assert.NoError(t, c.Close())
		assert.True(t, provider.Closed())
	})
}
