package contracts

import (
	"errors"
	"fmt"
)

// ExchangeType is the AMQP exchange kind
type ExchangeType string

const (
	ExchangeDirect ExchangeType = "direct"
	ExchangeFanout ExchangeType = "fanout"
	ExchangeTopic  ExchangeType = "topic"
)

// Validate checks the exchange type against the supported kinds
func (t ExchangeType) Validate() error {
	switch t {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic:
		return nil
	default:
		return fmt.Errorf("unsupported exchange type %q", string(t))
	}
}

// ErrInvalidBinding is returned for a binding that cannot describe any topology
var ErrInvalidBinding = errors.New("contracts: invalid binding")

// Binding describes an exchange, a queue and the routing key that links them,
// together with the consumption and publishing settings for that pair.
// A Binding is a value: copies are independent and nothing in this module
// mutates a binding after NewBinding returns it.
type Binding struct {
	Exchange           string
	ExchangeType       ExchangeType
	Queue              string
	RoutingKey         string
	PrefetchCount      int
	AutoAck            bool
	PublisherConfirms  bool
	Durable            bool
	AutoDelete         bool
	DeadLetterExchange string
}

// BindingOption configures a Binding
type BindingOption func(*Binding)

// WithExchangeType sets the exchange kind (default direct)
func WithExchangeType(kind ExchangeType) BindingOption {
	return func(b *Binding) {
		b.ExchangeType = kind
	}
}

// WithQueue sets the queue name
func WithQueue(queue string) BindingOption {
	return func(b *Binding) {
		b.Queue = queue
	}
}

// WithRoutingKey sets the routing (binding) key
func WithRoutingKey(key string) BindingOption {
	return func(b *Binding) {
		b.RoutingKey = key
	}
}

// WithPrefetchCount sets the consumer prefetch for subscribers
func WithPrefetchCount(count int) BindingOption {
	return func(b *Binding) {
		b.PrefetchCount = count
	}
}

// WithAutoAck makes subscribers consume in auto-ack mode
func WithAutoAck(autoAck bool) BindingOption {
	return func(b *Binding) {
		b.AutoAck = autoAck
	}
}

// WithPublisherConfirms waits for broker confirms on every publish
func WithPublisherConfirms(enabled bool) BindingOption {
	return func(b *Binding) {
		b.PublisherConfirms = enabled
	}
}

// WithDurable declares the exchange and queue as durable
func WithDurable(durable bool) BindingOption {
	return func(b *Binding) {
		b.Durable = durable
	}
}

// WithAutoDelete declares the exchange and queue as auto-delete
func WithAutoDelete(autoDelete bool) BindingOption {
	return func(b *Binding) {
		b.AutoDelete = autoDelete
	}
}

// WithDeadLetterExchange routes rejected messages of the queue to exchange
func WithDeadLetterExchange(exchange string) BindingOption {
	return func(b *Binding) {
		b.DeadLetterExchange = exchange
	}
}

// NewBinding creates a binding to exchange. Defaults follow the RPC use case:
// a transient, auto-delete direct exchange with prefetch 1.
func NewBinding(exchange string, options ...BindingOption) Binding {
	b := Binding{
		Exchange:      exchange,
		ExchangeType:  ExchangeDirect,
		PrefetchCount: 1,
		AutoDelete:    true,
	}

	for _, opt := range options {
		opt(&b)
	}

	return b
}

// Validate reports whether the binding can be declared
func (b Binding) Validate() error {
	if b.Exchange == "" && b.Queue == "" {
		return fmt.Errorf("%w: exchange or queue is required", ErrInvalidBinding)
	}
	if b.Exchange != "" {
		if err := b.ExchangeType.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBinding, err)
		}
	}
	if b.PrefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidBinding)
	}
	return nil
}

// String renders exchange/queue/key for logs
func (b Binding) String() string {
	return fmt.Sprintf("%s(%s) -> %s [%s]", b.Exchange, b.ExchangeType, b.Queue, b.RoutingKey)
}
