package rabbitmqtest

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 1024

type unacked struct {
	queue    *queue
	consumer *consumer
	msg      *message
}

// Channel is one in-memory channel. It is its own amqp.Acknowledger.
type Channel struct {
	broker *Broker
	id     int
	closed bool

	prefetch    int
	nextTag     uint64
	unacked     map[uint64]*unacked
	consumers   map[string]*consumer
	directReply *consumer

	closeNotify  []chan *amqp.Error
	cancelNotify []chan string

	confirmMode   bool
	confirmNotify []chan amqp.Confirmation
	publishSeq    uint64
}

// ID identifies the channel within its broker
func (ch *Channel) ID() int {
	return ch.id
}

// ExchangeDeclare implements messaging.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	switch kind {
	case "direct", "fanout", "topic", "headers":
	default:
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind)}
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name)}
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// QueueDeclare implements messaging.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch {
			return amqp.Queue{}, &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)}
		}
		if q.durable != durable || q.autoDelete != autoDelete {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)}
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	if exclusive {
		q.owner = ch
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements messaging.Channel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}

	for _, qb := range ex.bindings {
		if qb.queue == name && qb.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, queueBinding{queue: name, key: key})
	return nil
}

// Qos implements messaging.Channel. It applies to consumers started afterwards.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements messaging.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	if tag == "" {
		b.nextTag++
		tag = fmt.Sprintf("ctag-%d.%d", ch.id, b.nextTag)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}

	c := &consumer{
		tag:        tag,
		ch:         ch,
		autoAck:    autoAck,
		prefetch:   ch.prefetch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}

	if queueName == DirectReplyTo {
		if !autoAck {
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - reply consumer cannot acknowledge"}
		}
		ch.directReply = c
		ch.consumers[tag] = c
		return c.deliveries, nil
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if q.exclusive && q.owner != ch {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName)}
	}

	c.queue = q
	q.consumers = append(q.consumers, c)
	q.consumed = true
	ch.consumers[tag] = c
	b.dispatch(q)

	return c.deliveries, nil
}

// Cancel implements messaging.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	if c == ch.directReply {
		ch.directReply = nil
	}
	b.removeConsumer(c)
	return nil
}

// PublishWithContext implements messaging.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()

	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	if b.publishHook != nil {
		if err := b.publishHook(exchangeName, key, msg); err != nil {
			b.mu.Unlock()
			return err
		}
	}

	if msg.ReplyTo == DirectReplyTo {
		if ch.directReply == nil {
			b.mu.Unlock()
			ch.Shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - fast reply consumer does not exist", Server: true})
			return nil
		}
		msg.ReplyTo = fmt.Sprintf("%s.%d", DirectReplyTo, ch.id)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	routeErr := b.route(exchangeName, key, msg)
	if routeErr == nil && ch.confirmMode {
		ch.publishSeq++
		confirm := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nackConfirms}
		for _, c := range ch.confirmNotify {
			// a listener with a full buffer misses the confirm
			select {
			case c <- confirm:
			default:
			}
		}
	}
	b.mu.Unlock()

	if routeErr != nil {
		// the broker answers a publish to a missing exchange by closing the channel
		amqpErr, _ := routeErr.(*amqp.Error)
		ch.Shutdown(amqpErr)
	}
	return nil
}

// Confirm implements messaging.Channel
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirmMode = true
	return nil
}

// NotifyPublish implements messaging.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirmNotify = append(ch.confirmNotify, confirm)
	return confirm
}

// NotifyClose implements messaging.Channel. The chan is closed right away on a closed channel.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.closeNotify = append(ch.closeNotify, c)
	return c
}

// NotifyCancel implements messaging.Channel
func (ch *Channel) NotifyCancel(c chan string) chan string {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}
	ch.cancelNotify = append(ch.cancelNotify, c)
	return c
}

// IsClosed implements messaging.Channel
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements messaging.Channel
func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.Shutdown(nil)
	return nil
}

// Shutdown closes the channel as the broker would: unacked messages are
// requeued, consumers end and close listeners receive err (nothing when nil).
func (ch *Channel) Shutdown(err *amqp.Error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true
	delete(b.channels, ch.id)

	requeued := make(map[*queue]bool)
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		u.msg.redelivered = true
		u.queue.messages = append([]*message{u.msg}, u.queue.messages...)
		requeued[u.queue] = true
	}

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumer(c)
	}
	ch.directReply = nil

	for _, q := range b.queues {
		if q.exclusive && q.owner == ch {
			b.deleteQueue(q)
			delete(requeued, q)
		}
	}
	for q := range requeued {
		if _, alive := b.queues[q.name]; alive {
			b.dispatch(q)
		}
	}

	closeNotify := ch.closeNotify
	cancelNotify := ch.cancelNotify
	confirmNotify := ch.confirmNotify
	ch.closeNotify, ch.cancelNotify, ch.confirmNotify = nil, nil, nil
	b.mu.Unlock()

	for _, c := range closeNotify {
		if err != nil {
			c <- err
		}
		close(c)
	}
	for _, c := range cancelNotify {
		close(c)
	}
	for _, c := range confirmNotify {
		close(c)
	}
}

// brokerCancel ends a consumer from the broker side. Its unacked deliveries
// stay on the channel and can still be settled.
func (ch *Channel) brokerCancel(tag string) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := ch.consumers[tag]
	if ch.closed || !ok {
		return
	}
	for _, notify := range ch.cancelNotify {
		select {
		case notify <- tag:
		default:
		}
	}
	delete(ch.consumers, tag)
	b.removeConsumer(c)
}

// deliver pushes m to c. b.mu must be held.
func (ch *Channel) deliver(c *consumer, m *message) {
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = &unacked{queue: c.queue, consumer: c, msg: m}
		c.inflight++
	}

	p := m.pub
	c.deliveries <- amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            p.Body,
	}
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, ack, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	}

	touched := make(map[*queue]bool)
	for _, t := range tags {
		u, ok := ch.unacked[t]
		if !ok {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", t)}
		}
		delete(ch.unacked, t)
		u.consumer.inflight--

		b.settlements = append(b.settlements, Settlement{
			Queue:      u.queue.name,
			Tag:        t,
			Ack:        ack,
			Requeue:    requeue,
			Body:       u.msg.pub.Body,
			Redelivery: u.msg.redelivered,
		})

		_, alive := b.queues[u.queue.name]
		switch {
		case ack:
		case requeue && alive:
			u.msg.redelivered = true
			u.queue.messages = append([]*message{u.msg}, u.queue.messages...)
		case !requeue:
			b.deadLetter(u.queue, u.msg)
		}
		if alive {
			touched[u.queue] = true
		}
	}

	for q := range touched {
		b.dispatch(q)
	}
	return nil
}
