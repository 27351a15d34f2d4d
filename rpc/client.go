package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectReplyTo is the RabbitMQ pseudo-queue for replies without a reply queue
const DirectReplyTo = "amq.rabbitmq.reply-to"

// Client sends requests to the exchange of a binding and matches replies to
// calls by correlation id. Replies arrive on a private, broker-named queue
// or through direct reply-to.
type Client[I, O any] struct {
	binding  contracts.Binding
	provider messaging.ChannelProvider
	session  *messaging.Session
	cfg      *clientConfig
	logger   *slog.Logger
	pending  *pendingCalls[O]

	mu      sync.Mutex
	replyTo string

	closed    atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient prepares the reply consumer and starts the reconnect supervisor
func NewClient[I, O any](ctx context.Context, provider messaging.ChannelProvider, binding contracts.Binding, options ...ClientOption) (*Client[I, O], error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}

	cfg := defaultClientConfig()
	for _, opt := range options {
		opt(cfg)
	}

	c := &Client[I, O]{
		binding:  binding,
		provider: provider,
		cfg:      cfg,
		logger:   cfg.logger.With("exchange", binding.Exchange),
		pending:  newPendingCalls[O](),
	}

	sessionOptions := append([]messaging.SessionOption{
		messaging.WithSessionName("rpc-client:" + binding.Exchange),
		messaging.WithSessionLogger(cfg.logger),
		messaging.WithConfirms(binding.PublisherConfirms),
	}, cfg.sessionOptions...)

	session, err := messaging.NewSession(ctx, provider, c.setup, sessionOptions...)
	if err != nil {
		return nil, err
	}
	c.session = session

	return c, nil
}

// Request sends request with the binding's routing key and waits for the reply
func (c *Client[I, O]) Request(ctx context.Context, request I) (O, error) {
	return c.RequestWithRoutingKey(ctx, request, "")
}

// RequestWithRoutingKey sends request with routingKey and waits for the reply,
// the call timeout or the end of ctx
func (c *Client[I, O]) RequestWithRoutingKey(ctx context.Context, request I, routingKey string) (O, error) {
	var zero O

	call, err := c.RequestAsyncWithRoutingKey(ctx, request, routingKey)
	if err != nil {
		return zero, err
	}

	result, err := call.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.pending.complete(call.CorrelationID, zero, err)
	}
	return result, err
}

// RequestAsync sends request with the binding's routing key
func (c *Client[I, O]) RequestAsync(ctx context.Context, request I) (*Call[O], error) {
	return c.RequestAsyncWithRoutingKey(ctx, request, "")
}

// RequestAsyncWithRoutingKey sends request and returns once the broker has
// it. ctx bounds the send only; the call expires after the request timeout.
func (c *Client[I, O]) RequestAsyncWithRoutingKey(ctx context.Context, request I, routingKey string) (*Call[O], error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if c.cfg.limiter != nil {
		if err := c.cfg.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := c.cfg.timeout
	call := newCall[O](uuid.NewString())
	err := c.pending.add(call, timeout, func() {
		var zero O
		if c.pending.complete(call.CorrelationID, zero, &TimeoutError{CorrelationID: call.CorrelationID, Timeout: timeout}) {
			c.logger.Warn("request timed out",
				"correlationId", call.CorrelationID,
				"timeout", timeout)
		}
	})
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.send(sendCtx, call.CorrelationID, routingKey, request); err != nil {
		var zero O
		c.pending.complete(call.CorrelationID, zero, err)
		return nil, err
	}
	return call, nil
}

// Pending returns the number of calls awaiting a reply
func (c *Client[I, O]) Pending() int {
	return c.pending.len()
}

// ReplyTo returns the address replies are currently sent to
func (c *Client[I, O]) ReplyTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// State returns the connection state
func (c *Client[I, O]) State() messaging.SessionState {
	return c.session.State()
}

// Close releases the channel and fails every pending call with
// ErrClientClosed. The provider is closed too unless it is shared.
func (c *Client[I, O]) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.session.Close()
		c.wg.Wait()

		if n := c.pending.failAll(ErrClientClosed); n > 0 {
			c.logger.Warn("client closed with pending calls", "pending", n)
		}
		if c.cfg.ownsProvider {
			if perr := c.provider.Close(); perr != nil && err == nil {
				err = perr
			}
		}
	})
	return err
}

func (c *Client[I, O]) send(ctx context.Context, correlationID, routingKey string, request I) error {
	lease, err := c.session.Lease(ctx)
	if err != nil {
		return err
	}
	replyTo := c.ReplyTo()

	codec := c.cfg.codec
	body, err := codec.Marshal(contracts.RequestEnvelope[I]{
		Payload:       request,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	})
	if err != nil {
		return err
	}

	exchange, key := c.route(routingKey)
	msg := amqp.Publishing{
		ContentType:   codec.ContentType(),
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Expiration:    expiration(c.cfg.timeout),
		Body:          body,
	}

	publish := func() error {
		return lease.Publisher.Publish(ctx, exchange, key, msg)
	}
	if c.cfg.breaker != nil {
		return c.cfg.breaker.Execute(ctx, publish)
	}
	return publish()
}

// expiration renders timeout as a per-message TTL in whole milliseconds.
// A TTL of "0" would expire the request at once, so it is at least "1".
func expiration(timeout time.Duration) string {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}

// route falls back to the binding's routing key, and to the queue name when
// publishing through the default exchange
func (c *Client[I, O]) route(routingKey string) (string, string) {
	if routingKey == "" {
		routingKey = c.binding.RoutingKey
	}
	if c.binding.Exchange == "" && routingKey == "" {
		routingKey = c.binding.Queue
	}
	return c.binding.Exchange, routingKey
}

// setup runs on every new channel
func (c *Client[I, O]) setup(_ context.Context, lease *messaging.Lease) error {
	b := c.binding
	if b.Exchange != "" {
		if err := messaging.DeclareExchange(lease.Channel, b.Exchange, b.ExchangeType, b.Durable, b.AutoDelete); err != nil {
			return err
		}
	}

	replyTo := DirectReplyTo
	if !c.cfg.directReplyTo {
		queue, err := messaging.DeclareQueue(lease.Channel, "", false, true, true, nil)
		if err != nil {
			return err
		}
		replyTo = queue
	}

	consumer, err := messaging.StartConsumer(lease.Channel, messaging.ConsumerConfig{
		Queue:     replyTo,
		AutoAck:   true,
		Exclusive: !c.cfg.directReplyTo,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.replyTo = replyTo
	c.mu.Unlock()

	c.logger.Debug("reply consumer started", "replyTo", replyTo, "consumerTag", consumer.Tag)

	c.wg.Add(1)
	go c.consumeReplies(consumer)
	return nil
}

func (c *Client[I, O]) consumeReplies(consumer *messaging.Consumer) {
	defer c.wg.Done()
	for d := range consumer.Deliveries {
		c.handleReply(d)
	}
}

func (c *Client[I, O]) handleReply(d amqp.Delivery) {
	var zero O
	codec := c.cfg.codecs.Resolve(d.ContentType, c.cfg.codec)

	var reply contracts.ReplyEnvelope[O]
	if err := codec.Unmarshal(d.Body, &reply); err != nil {
		c.logger.Error("failed to decode reply",
			"correlationId", d.CorrelationId,
			"contentType", d.ContentType,
			"error", err)
		if d.CorrelationId != "" {
			c.pending.complete(d.CorrelationId, zero, fmt.Errorf("rpc: failed to decode reply: %w", err))
		}
		return
	}

	correlationID := firstNonEmpty(d.CorrelationId, reply.CorrelationID)

	var err error
	result := reply.Payload
	if reply.IsError() {
		result = zero
		err = &RemoteError{CorrelationID: correlationID, Descriptor: reply.Error}
	}

	if !c.pending.complete(correlationID, result, err) {
		c.logger.Debug("dropping reply without pending call", "correlationId", correlationID)
	}
}
