package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Responder consumes the request queue on one channel and answers every
// request through the handler. Handlers run on a bounded worker pool; the
// delivery loop only hands work over.
type Responder[I, O any] struct {
	handler  atomic.Pointer[HandlerFunc[I, O]]
	lease    *messaging.Lease
	cfg      *serverConfig
	logger   *slog.Logger
	onCancel func()

	ctx      context.Context
	pool     errgroup.Group
	consumer *messaging.Consumer
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	inflight map[uint64]*inflightRequest
}

// inflightRequest is a delivery between receipt and settlement. Whoever
// claims it first settles it.
type inflightRequest struct {
	delivery amqp.Delivery
	mc       contracts.MessageContext
	settled  atomic.Bool
}

func (f *inflightRequest) claim() bool {
	return f.settled.CompareAndSwap(false, true)
}

// NewResponder creates a responder answering on lease. ctx is handed to
// every handler call.
func NewResponder[I, O any](ctx context.Context, lease *messaging.Lease, handler HandlerFunc[I, O], options ...ServerOption) *Responder[I, O] {
	cfg := defaultServerConfig()
	for _, opt := range options {
		opt(cfg)
	}
	return newResponder(ctx, lease, handler, cfg, nil)
}

func newResponder[I, O any](ctx context.Context, lease *messaging.Lease, handler HandlerFunc[I, O], cfg *serverConfig, onCancel func()) *Responder[I, O] {
	r := &Responder[I, O]{
		lease:    lease,
		cfg:      cfg,
		logger:   cfg.logger,
		onCancel: onCancel,
		ctx:      ctx,
		done:     make(chan struct{}),
		inflight: make(map[uint64]*inflightRequest),
	}
	r.handler.Store(&handler)
	r.pool.SetLimit(cfg.workers)
	return r
}

// SetHandler replaces the handler without touching the consumer. Requests
// already handed to the old handler finish there.
func (r *Responder[I, O]) SetHandler(handler HandlerFunc[I, O]) {
	r.handler.Store(&handler)
}

// Start consumes queue with a prefetch of one. It must be called once.
func (r *Responder[I, O]) Start(queue string) error {
	consumer, err := messaging.StartConsumer(r.lease.Channel, messaging.ConsumerConfig{
		Queue:    queue,
		Prefetch: 1,
	})
	if err != nil {
		close(r.done)
		return err
	}
	r.consumer = consumer
	r.logger = r.logger.With("queue", queue, "consumerTag", consumer.Tag)

	go r.run()
	return nil
}

// Stop cancels the consumer and waits for the handlers still running
func (r *Responder[I, O]) Stop() {
	r.stopOnce.Do(func() {
		if r.consumer == nil {
			return
		}
		if err := r.consumer.Cancel(); err != nil {
			r.logger.Warn("failed to cancel consumer", "error", err)
		}
		<-r.done
		_ = r.pool.Wait()
	})
}

// InFlight returns the number of unsettled requests
func (r *Responder[I, O]) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Responder[I, O]) run() {
	defer close(r.done)

	cancelled := r.consumer.Cancelled
	for {
		select {
		case d, ok := <-r.consumer.Deliveries:
			if !ok {
				// a broker cancel is announced before the deliveries close
				select {
				case tag, ok := <-cancelled:
					if ok {
						r.cancelled(tag)
					}
				default:
				}
				return
			}
			r.dispatch(d)

		case tag, ok := <-cancelled:
			if !ok {
				cancelled = nil
				continue
			}
			r.cancelled(tag)
		}
	}
}

func (r *Responder[I, O]) dispatch(d amqp.Delivery) {
	req := &inflightRequest{delivery: d, mc: contracts.NewMessageContext(d)}

	r.mu.Lock()
	r.inflight[d.DeliveryTag] = req
	r.mu.Unlock()

	r.cfg.metrics.incReceived()

	r.pool.Go(func() error {
		defer r.forget(req)
		r.handle(req)
		return nil
	})
}

func (r *Responder[I, O]) forget(req *inflightRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[req.delivery.DeliveryTag] == req {
		delete(r.inflight, req.delivery.DeliveryTag)
	}
}

// cancelled settles every unsettled request once the broker dropped the consumer
func (r *Responder[I, O]) cancelled(tag string) {
	if tag != r.consumer.Tag {
		return
	}

	r.mu.Lock()
	pending := make([]*inflightRequest, 0, len(r.inflight))
	for _, req := range r.inflight {
		pending = append(pending, req)
	}
	r.mu.Unlock()

	r.logger.Warn("consumer cancelled by broker", "inFlight", len(pending))

	for _, req := range pending {
		r.settle(req, r.cfg.errorStrategy.HandleConsumerCancelled(req.mc))
	}

	if r.onCancel != nil {
		r.onCancel()
	}
}

func (r *Responder[I, O]) handle(req *inflightRequest) {
	d := req.delivery
	codec := r.cfg.codecs.Resolve(d.ContentType, r.cfg.codec)
	logger := r.logger.With("correlationId", d.CorrelationId, "deliveryTag", d.DeliveryTag)

	var envelope contracts.RequestEnvelope[I]
	if err := codec.Unmarshal(d.Body, &envelope); err != nil {
		logger.Error("failed to decode request", "contentType", d.ContentType, "error", err)
		r.cfg.metrics.incFailed()

		if d.ReplyTo != "" {
			reply := contracts.ReplyEnvelope[O]{
				Error:         contracts.NewErrorDescriptor(contracts.ErrorKindDecode, err),
				CorrelationID: d.CorrelationId,
			}
			if err := r.reply(codec, d.ReplyTo, d.CorrelationId, reply); err != nil {
				logger.Error("failed to publish decode error reply", "replyTo", d.ReplyTo, "error", err)
			}
		}
		r.settle(req, messaging.DeadLetterReject)
		return
	}

	correlationID := firstNonEmpty(d.CorrelationId, envelope.CorrelationID)
	replyTo := firstNonEmpty(d.ReplyTo, envelope.ReplyTo)

	result, err := r.invoke(WithMessageContext(r.ctx, req.mc), envelope.Payload)

	reply := contracts.ReplyEnvelope[O]{CorrelationID: correlationID}
	if err != nil {
		kind := contracts.ErrorKindHandler
		var panicked *panicError
		if errors.As(err, &panicked) {
			kind = contracts.ErrorKindPanic
			logger.Error("handler panicked", "panic", panicked.value)
		} else {
			logger.Warn("handler failed", "error", err)
		}
		reply.Error = contracts.NewErrorDescriptor(kind, err)
		r.cfg.metrics.incFailed()
	} else {
		reply.Payload = result
	}

	if replyTo == "" {
		logger.Debug("request has no reply-to")
		r.settle(req, r.cfg.ackStrategy.Decide(req.mc))
		return
	}

	if req.settled.Load() {
		logger.Warn("dropping reply for request settled on consumer cancel")
		return
	}

	if err := r.reply(codec, replyTo, correlationID, reply); err != nil {
		logger.Error("failed to publish reply", "replyTo", replyTo, "error", err)
		r.settle(req, r.cfg.replyFailure.Decide(req.mc))
		return
	}

	r.cfg.metrics.incReplied()
	r.settle(req, r.cfg.ackStrategy.Decide(req.mc))
}

func (r *Responder[I, O]) invoke(ctx context.Context, request I) (result O, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	handler := *r.handler.Load()
	return handler(ctx, request)
}

// reply publishes to the default exchange, which routes on the reply-to address
func (r *Responder[I, O]) reply(codec serialization.Codec, replyTo, correlationID string, reply contracts.ReplyEnvelope[O]) error {
	body, err := codec.Marshal(reply)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.cfg.replyTimeout)
	defer cancel()

	return r.lease.Publisher.Publish(ctx, "", replyTo, amqp.Publishing{
		ContentType:   codec.ContentType(),
		CorrelationId: correlationID,
		Timestamp:     time.Now(),
		Body:          body,
	})
}

func (r *Responder[I, O]) settle(req *inflightRequest, decision messaging.AckDecision) {
	if !req.claim() {
		r.logger.Debug("request already settled",
			"deliveryTag", req.delivery.DeliveryTag,
			"decision", decision.String())
		return
	}

	if err := messaging.SettleDelivery(req.delivery, decision); err != nil && !errors.Is(err, amqp.ErrClosed) {
		r.logger.Error("failed to settle request",
			"deliveryTag", req.delivery.DeliveryTag,
			"decision", decision.String(),
			"error", err)
	}
	r.cfg.metrics.incSettled(decision == messaging.Accept)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
