package messaging

import (
	"github.com/glimte/rabbitrpc/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterQueueSuffix is appended to a dead-letter exchange name to name its queue
const DeadLetterQueueSuffix = ".dlq"

// DeclareExchange declares an exchange; redeclaring with equal settings is a no-op on the broker
func DeclareExchange(ch Channel, name string, kind contracts.ExchangeType, durable, autoDelete bool) error {
	if err := ch.ExchangeDeclare(
		name,
		string(kind),
		durable,
		autoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Err: err}
	}
	return nil
}

// DeclareQueue declares a queue and returns its name, which the broker picks when name is empty
func DeclareQueue(ch Channel, name string, durable, autoDelete, exclusive bool, args amqp.Table) (string, error) {
	q, err := ch.QueueDeclare(
		name,
		durable,
		autoDelete,
		exclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return "", &TopologyError{Component: "queue", Name: name, Err: err}
	}
	return q.Name, nil
}

// BindQueue binds queue to exchange under key
func BindQueue(ch Channel, queue, key, exchange string) error {
	if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: exchange + "->" + queue, Err: err}
	}
	return nil
}

// DeclareDeadLetter declares a durable fanout dead-letter exchange and the
// durable queue collecting its messages. It returns the queue name.
func DeclareDeadLetter(ch Channel, exchange string) (string, error) {
	if err := DeclareExchange(ch, exchange, contracts.ExchangeFanout, true, false); err != nil {
		return "", err
	}

	queue, err := DeclareQueue(ch, exchange+DeadLetterQueueSuffix, true, false, false, nil)
	if err != nil {
		return "", err
	}

	if err := BindQueue(ch, queue, "", exchange); err != nil {
		return "", err
	}
	return queue, nil
}

// DeclareBinding declares everything b describes: the exchange, the optional
// dead-letter exchange, the queue and the binding between them. It returns the
// queue name, which is broker-assigned when b.Queue is empty.
func DeclareBinding(ch Channel, b contracts.Binding, exclusive bool) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}

	if b.Exchange != "" {
		if err := DeclareExchange(ch, b.Exchange, b.ExchangeType, b.Durable, b.AutoDelete); err != nil {
			return "", err
		}
	}

	var args amqp.Table
	if b.DeadLetterExchange != "" {
		if _, err := DeclareDeadLetter(ch, b.DeadLetterExchange); err != nil {
			return "", err
		}
		args = amqp.Table{"x-dead-letter-exchange": b.DeadLetterExchange}
	}

	queue, err := DeclareQueue(ch, b.Queue, b.Durable, b.AutoDelete, exclusive, args)
	if err != nil {
		return "", err
	}

	if b.Exchange != "" {
		if err := BindQueue(ch, queue, b.RoutingKey, b.Exchange); err != nil {
			return "", err
		}
	}

	return queue, nil
}
