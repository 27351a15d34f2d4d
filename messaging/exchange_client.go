package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one message received from an exchange
type MessageHandler[T any] func(ctx context.Context, msg T, mc contracts.MessageContext) error

// ExchangeClient publishes to and subscribes on one exchange (fanout, direct
// or topic). Subscribers without a configured queue get an exclusive,
// broker-named queue of their own. Subscriptions survive reconnects.
type ExchangeClient[T any] struct {
	binding        contracts.Binding
	provider       ChannelProvider
	session        *Session
	codec          serialization.Codec
	codecs         *serialization.Registry
	errorStrategy  ConsumerErrorStrategy
	logger         *slog.Logger
	sessionOptions []SessionOption
	ownsProvider   bool

	mu   sync.Mutex
	subs []*subscription[T]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type subscription[T any] struct {
	handler MessageHandler[T]
	lease   *Lease
}

// ExchangeOption configures an ExchangeClient
type ExchangeOption func(*exchangeConfig)

type exchangeConfig struct {
	codec          serialization.Codec
	codecs         *serialization.Registry
	errorStrategy  ConsumerErrorStrategy
	logger         *slog.Logger
	sessionOptions []SessionOption
	ownsProvider   bool
}

// WithExchangeCodec sets the codec used for publishing (default JSON)
func WithExchangeCodec(codec serialization.Codec) ExchangeOption {
	return func(c *exchangeConfig) {
		c.codec = codec
	}
}

// WithExchangeRegistry sets the registry resolving inbound content types
func WithExchangeRegistry(registry *serialization.Registry) ExchangeOption {
	return func(c *exchangeConfig) {
		c.codecs = registry
	}
}

// WithErrorStrategy sets how handler failures are settled (default requeue)
func WithErrorStrategy(strategy ConsumerErrorStrategy) ExchangeOption {
	return func(c *exchangeConfig) {
		c.errorStrategy = strategy
	}
}

// WithExchangeLogger sets the logger
func WithExchangeLogger(logger *slog.Logger) ExchangeOption {
	return func(c *exchangeConfig) {
		c.logger = logger
	}
}

// WithExchangeSessionOptions passes options to the underlying session
func WithExchangeSessionOptions(options ...SessionOption) ExchangeOption {
	return func(c *exchangeConfig) {
		c.sessionOptions = append(c.sessionOptions, options...)
	}
}

// WithSharedExchangeProvider leaves the provider open on Close
func WithSharedExchangeProvider() ExchangeOption {
	return func(c *exchangeConfig) {
		c.ownsProvider = false
	}
}

// NewExchangeClient declares the exchange and keeps it declared across reconnects
func NewExchangeClient[T any](ctx context.Context, provider ChannelProvider, binding contracts.Binding, options ...ExchangeOption) (*ExchangeClient[T], error) {
	if binding.Exchange == "" {
		return nil, fmt.Errorf("%w: exchange client needs an exchange", contracts.ErrInvalidBinding)
	}
	if err := binding.Validate(); err != nil {
		return nil, err
	}

	cfg := &exchangeConfig{
		codec:         serialization.JSONCodec{},
		codecs:        serialization.DefaultRegistry(),
		errorStrategy: DefaultConsumerErrorStrategy{},
		logger:        slog.Default(),
		ownsProvider:  true,
	}
	for _, opt := range options {
		opt(cfg)
	}

	c := &ExchangeClient[T]{
		binding:       binding,
		provider:      provider,
		codec:         cfg.codec,
		codecs:        cfg.codecs,
		errorStrategy: cfg.errorStrategy,
		logger:        cfg.logger.With("exchange", binding.Exchange),
		ownsProvider:  cfg.ownsProvider,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	sessionOptions := append([]SessionOption{
		WithSessionName("exchange:" + binding.Exchange),
		WithSessionLogger(cfg.logger),
		WithConfirms(binding.PublisherConfirms),
	}, cfg.sessionOptions...)

	session, err := NewSession(ctx, provider, c.setup, sessionOptions...)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.session = session

	return c, nil
}

// Publish encodes msg and publishes it with routingKey
func (c *ExchangeClient[T]) Publish(ctx context.Context, msg T, routingKey string) error {
	body, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType: c.codec.ContentType(),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	}
	if c.binding.Durable {
		publishing.DeliveryMode = amqp.Persistent
	}

	return c.session.Publish(ctx, c.binding.Exchange, routingKey, publishing)
}

// Subscribe declares the subscriber queue, binds it and starts consuming.
// handler runs on one goroutine per subscription.
func (c *ExchangeClient[T]) Subscribe(ctx context.Context, handler MessageHandler[T]) error {
	sub := &subscription[T]{handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	for {
		lease, err := c.session.Lease(ctx)
		if err != nil {
			c.removeSubscription(sub)
			return err
		}

		c.mu.Lock()
		if sub.lease != lease {
			err = c.attach(lease, sub)
		}
		c.mu.Unlock()

		if err == nil {
			return nil
		}
		if !lease.Channel.IsClosed() {
			c.removeSubscription(sub)
			return err
		}
		// the channel died under us; the next lease attaches the subscription
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			c.removeSubscription(sub)
			return ctx.Err()
		}
	}
}

// Close stops every subscription and closes the session
func (c *ExchangeClient[T]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.session.Close()
		c.wg.Wait()
		if c.ownsProvider {
			if perr := c.provider.Close(); perr != nil && err == nil {
				err = perr
			}
		}
	})
	return err
}

func (c *ExchangeClient[T]) removeSubscription(sub *subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// setup runs on every new channel
func (c *ExchangeClient[T]) setup(_ context.Context, lease *Lease) error {
	b := c.binding
	if err := DeclareExchange(lease.Channel, b.Exchange, b.ExchangeType, b.Durable, b.AutoDelete); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if err := c.attach(lease, sub); err != nil {
			return err
		}
	}
	return nil
}

// attach declares the subscriber queue on lease and starts its consumer. c.mu must be held.
func (c *ExchangeClient[T]) attach(lease *Lease, sub *subscription[T]) error {
	b := c.binding
	exclusive := b.Queue == ""
	durable, autoDelete := b.Durable, b.AutoDelete
	if exclusive {
		// a broker-named queue is private to this subscriber and dies with it
		durable, autoDelete = false, true
	}

	var args amqp.Table
	if b.DeadLetterExchange != "" {
		if _, err := DeclareDeadLetter(lease.Channel, b.DeadLetterExchange); err != nil {
			return err
		}
		args = amqp.Table{"x-dead-letter-exchange": b.DeadLetterExchange}
	}

	queue, err := DeclareQueue(lease.Channel, b.Queue, durable, autoDelete, exclusive, args)
	if err != nil {
		return err
	}
	if err := BindQueue(lease.Channel, queue, b.RoutingKey, b.Exchange); err != nil {
		return err
	}

	consumer, err := StartConsumer(lease.Channel, ConsumerConfig{
		Queue:     queue,
		Prefetch:  b.PrefetchCount,
		AutoAck:   b.AutoAck,
		Exclusive: exclusive,
	})
	if err != nil {
		return err
	}

	sub.lease = lease

	c.logger.Debug("subscription attached",
		"queue", queue,
		"routingKey", b.RoutingKey,
		"consumerTag", consumer.Tag)

	c.wg.Add(1)
	go c.consume(sub, lease, consumer)
	return nil
}

func (c *ExchangeClient[T]) consume(sub *subscription[T], lease *Lease, consumer *Consumer) {
	defer c.wg.Done()

	cancelled := consumer.Cancelled
	brokerCancelled := false
	for {
		select {
		case d, ok := <-consumer.Deliveries:
			if !ok {
				// a broker cancel is announced before the deliveries close
				if !brokerCancelled {
					select {
					case tag, ok := <-cancelled:
						brokerCancelled = ok && tag == consumer.Tag
					default:
					}
				}
				if brokerCancelled {
					c.resume(sub, lease, consumer)
				}
				return
			}
			c.handle(sub.handler, d)

		case tag, ok := <-cancelled:
			if !ok {
				cancelled = nil
				continue
			}
			if tag == consumer.Tag {
				brokerCancelled = true
			}
		}
	}
}

// resume attaches sub again on the same channel after the broker cancelled
// its consumer, for example because the queue was deleted
func (c *ExchangeClient[T]) resume(sub *subscription[T], lease *Lease, consumer *Consumer) {
	c.logger.Warn("consumer cancelled by broker", "queue", consumer.Queue, "consumerTag", consumer.Tag)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil || sub.lease != lease || lease.Channel.IsClosed() || !c.subscribedLocked(sub) {
		return
	}
	if err := c.attach(lease, sub); err != nil {
		c.logger.Error("failed to resume subscription after cancel", "queue", consumer.Queue, "error", err)
		return
	}
	c.logger.Info("subscription resumed after cancel", "queue", consumer.Queue)
}

// subscribedLocked reports whether sub is still registered. c.mu must be held.
func (c *ExchangeClient[T]) subscribedLocked(sub *subscription[T]) bool {
	for _, s := range c.subs {
		if s == sub {
			return true
		}
	}
	return false
}

func (c *ExchangeClient[T]) handle(handler MessageHandler[T], d amqp.Delivery) {
	mc := contracts.NewMessageContext(d)
	codec := c.codecs.Resolve(d.ContentType, c.codec)

	var msg T
	if err := codec.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("failed to decode message",
			"routingKey", d.RoutingKey,
			"messageId", d.MessageId,
			"error", err)
		c.settle(d, DeadLetterReject)
		return
	}

	err := c.invoke(handler, msg, mc)
	if err == nil {
		c.settle(d, Accept)
		return
	}

	decision := c.errorStrategy.HandleConsumerError(mc, err)
	c.logger.Warn("message handler failed",
		"routingKey", d.RoutingKey,
		"messageId", d.MessageId,
		"decision", decision.String(),
		"error", err)
	c.settle(d, decision)
}

func (c *ExchangeClient[T]) invoke(handler MessageHandler[T], msg T, mc contracts.MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(c.ctx, msg, mc)
}

func (c *ExchangeClient[T]) settle(d amqp.Delivery, decision AckDecision) {
	if c.binding.AutoAck {
		return
	}
	if err := SettleDelivery(d, decision); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Error("failed to settle delivery",
			"deliveryTag", d.DeliveryTag,
			"decision", decision.String(),
			"error", err)
	}
}
