package messaging

import (
	"errors"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerConfig describes one consumer registration
type ConsumerConfig struct {
	Queue     string
	Tag       string
	Prefetch  int
	AutoAck   bool
	Exclusive bool
}

// Consumer is a live consumer on one channel
type Consumer struct {
	Tag        string
	Queue      string
	Deliveries <-chan amqp.Delivery
	Cancelled  <-chan string

	ch Channel
}

// StartConsumer applies the prefetch and starts consuming. The delivery
// channel closes when the consumer is cancelled or the channel shuts down.
func StartConsumer(ch Channel, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Tag == "" {
		cfg.Tag = "rabbitrpc-" + uuid.NewString()
	}

	if !cfg.AutoAck && cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, err
		}
	}

	cancelled := ch.NotifyCancel(make(chan string, 1))
	deliveries, err := ch.Consume(
		cfg.Queue,
		cfg.Tag,
		cfg.AutoAck,
		cfg.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		Tag:        cfg.Tag,
		Queue:      cfg.Queue,
		Deliveries: deliveries,
		Cancelled:  cancelled,
		ch:         ch,
	}, nil
}

// Cancel stops the consumer; a channel that is already closed is not an error
func (c *Consumer) Cancel() error {
	if err := c.ch.Cancel(c.Tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
