package messaging

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConfirmTimeout bounds the wait for a broker confirm
const DefaultConfirmTimeout = 5 * time.Second

// Publisher publishes on one channel. With confirms enabled every Publish
// waits for the broker ack, and publishes on the channel are serialised.
type Publisher struct {
	ch             Channel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	mu             sync.Mutex
	seq            uint64
}

// NewPublisher wraps ch, switching it into confirm mode when confirm is set
func NewPublisher(ch Channel, confirm bool) (*Publisher, error) {
	p := &Publisher{ch: ch, confirmTimeout: DefaultConfirmTimeout}

	if confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, err
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	}

	return p, nil
}

// ConfirmsEnabled reports whether the channel is in confirm mode
func (p *Publisher) ConfirmsEnabled() bool {
	return p.confirms != nil
}

// Publish sends msg to exchange with routing key key
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if p.confirms == nil {
		if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
			return &PublishError{Exchange: exchange, RoutingKey: key, Err: err}
		}
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: err}
	}
	p.seq++

	if err := p.waitConfirm(ctx, p.seq); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: key, Err: err}
	}
	return nil
}

// waitConfirm reads confirmations until the one for tag arrives. Confirms
// left behind by abandoned waits carry smaller tags and are skipped.
func (p *Publisher) waitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-timer.C:
			return context.DeadlineExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
