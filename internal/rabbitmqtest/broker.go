// Package rabbitmqtest is an in-memory AMQP 0-9-1 broker for tests. It
// implements messaging.Channel and messaging.ChannelProvider with RabbitMQ's
// observable behaviour for the operations rabbitrpc uses: direct, fanout and
// topic routing, the default exchange, per-consumer prefetch, ack/nack with
// requeue, dead-letter exchanges, auto-delete and exclusive queues, direct
// reply-to, publisher confirms, channel shutdown and consumer cancellation.
package rabbitmqtest

import (
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DirectReplyTo is RabbitMQ's pseudo queue for direct replies
const DirectReplyTo = "amq.rabbitmq.reply-to"

// Settlement records one ack, nack or reject
type Settlement struct {
	Queue      string
	Tag        uint64
	Ack        bool
	Requeue    bool
	Body       []byte
	Redelivery bool
}

// Published records one message accepted by an exchange
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker holds exchanges, queues and channels. All state is guarded by one mutex.
type Broker struct {
	mu          sync.Mutex
	exchanges   map[string]*exchange
	queues      map[string]*queue
	channels    map[int]*Channel
	nextChannel int
	nextQueue   int
	nextTag     int

	published    []Published
	settlements  []Settlement
	deadLettered []Published
	publishHook  func(exchange, key string, msg amqp.Publishing) error
	nackConfirms bool
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []queueBinding
}

type queueBinding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Channel
	args       amqp.Table
	messages   []*message
	consumers  []*consumer
	consumed   bool
	rr         int
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag        string
	ch         *Channel
	queue      *queue
	autoAck    bool
	prefetch   int
	inflight   int
	deliveries chan amqp.Delivery
	done       bool
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		channels:  make(map[int]*Channel),
	}
}

// NewChannel opens a channel
func (b *Broker) NewChannel() *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextChannel++
	ch := &Channel{
		broker:    b,
		id:        b.nextChannel,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
	b.channels[ch.id] = ch
	return ch
}

// OpenChannels returns the channels that have not been closed
func (b *Broker) OpenChannels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	open := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		open = append(open, ch)
	}
	return open
}

// ShutdownAll closes every open channel with err, as a lost connection would
func (b *Broker) ShutdownAll(err *amqp.Error) {
	for _, ch := range b.OpenChannels() {
		ch.Shutdown(err)
	}
}

// CancelConsumers cancels every consumer of queue from the broker side
func (b *Broker) CancelConsumers(queueName string) int {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return 0
	}
	consumers := append([]*consumer(nil), q.consumers...)
	b.mu.Unlock()

	for _, c := range consumers {
		c.ch.brokerCancel(c.tag)
	}
	return len(consumers)
}

// Publish injects a message as if a peer had published it
func (b *Broker) Publish(exchangeName, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchangeName, key, msg)
}

// SetPublishHook installs fn to veto publishes; a non-nil error fails the publish
func (b *Broker) SetPublishHook(fn func(exchange, key string, msg amqp.Publishing) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = fn
}

// NackConfirms makes confirm-mode publishes answer with a nack
func (b *Broker) NackConfirms(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackConfirms = nack
}

// Published returns every routed publish
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Settlements returns every ack, nack and reject in order
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// DeadLettered returns messages rejected without requeue from any queue
func (b *Broker) DeadLettered() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.deadLettered...)
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeKind returns the type an exchange was declared with
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind
	}
	return ""
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the declaration arguments of a queue
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// ConsumerCount returns the number of consumers on a queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Consumers returns the prefetch of every consumer on a queue
func (b *Broker) Consumers(name string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	prefetch := make([]int, 0, len(q.consumers))
	for _, c := range q.consumers {
		prefetch = append(prefetch, c.prefetch)
	}
	return prefetch
}

// Unacked returns the number of delivered but unsettled messages of a queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, ch := range b.channels {
		for _, u := range ch.unacked {
			if u.queue.name == name {
				count++
			}
		}
	}
	return count
}

// Bindings returns the routing keys binding queueName to exchangeName
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, qb := range ex.bindings {
		if qb.queue == queueName {
			keys = append(keys, qb.key)
		}
	}
	return keys
}

// route delivers msg to every queue the exchange selects. b.mu must be held.
func (b *Broker) route(exchangeName, key string, msg amqp.Publishing) error {
	if exchangeName == "" {
		if strings.HasPrefix(key, DirectReplyTo+".") {
			b.directReply(key, msg)
			return nil
		}
		if q, ok := b.queues[key]; ok {
			b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Msg: msg})
			b.enqueue(q, &message{exchange: exchangeName, routingKey: key, pub: msg})
		}
		return nil
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
	}

	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Msg: msg})

	seen := make(map[string]bool)
	for _, qb := range ex.bindings {
		if seen[qb.queue] || !matches(ex.kind, qb.key, key) {
			continue
		}
		q, ok := b.queues[qb.queue]
		if !ok {
			continue
		}
		seen[qb.queue] = true
		b.enqueue(q, &message{exchange: exchangeName, routingKey: key, pub: msg})
	}
	return nil
}

func (b *Broker) directReply(key string, msg amqp.Publishing) {
	var id int
	if _, err := fmt.Sscanf(strings.TrimPrefix(key, DirectReplyTo+"."), "%d", &id); err != nil {
		return
	}
	ch, ok := b.channels[id]
	if !ok || ch.directReply == nil {
		return
	}
	b.published = append(b.published, Published{RoutingKey: key, Msg: msg})
	ch.deliver(ch.directReply, &message{routingKey: key, pub: msg})
}

func (b *Broker) enqueue(q *queue, m *message) {
	q.messages = append(q.messages, m)
	b.dispatch(q)
}

// dispatch hands ready messages to consumers with spare prefetch, round robin
func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.rr+i)%len(q.consumers)]
			if c.hasCapacity() {
				target = c
				q.rr = (q.rr + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		m := q.messages[0]
		q.messages = q.messages[1:]
		target.ch.deliver(target, m)
	}
}

// deadLetter republishes m through the queue's dead-letter exchange, if any
func (b *Broker) deadLetter(q *queue, m *message) {
	b.deadLettered = append(b.deadLettered, Published{Exchange: m.exchange, RoutingKey: m.routingKey, Msg: m.pub})

	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	pub := m.pub
	headers := amqp.Table{}
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	pub.Headers = headers

	_ = b.route(dlx, key, pub)
}

// removeConsumer detaches c and applies auto-delete. b.mu must be held.
func (b *Broker) removeConsumer(c *consumer) {
	if c.done {
		return
	}
	c.done = true
	close(c.deliveries)

	q := c.queue
	if q == nil {
		return
	}
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.rr >= len(q.consumers) {
		q.rr = 0
	}
	if q.autoDelete && q.consumed && len(q.consumers) == 0 {
		b.deleteQueue(q)
	}
}

func (b *Broker) deleteQueue(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, qb := range ex.bindings {
			if qb.queue != q.name {
				kept = append(kept, qb)
			}
		}
		ex.bindings = kept
	}
}

func (c *consumer) hasCapacity() bool {
	if c.done {
		return false
	}
	if len(c.deliveries) == cap(c.deliveries) {
		return false
	}
	return c.autoAck || c.prefetch == 0 || c.inflight < c.prefetch
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case "fanout":
		return true
	case "topic":
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

// topicMatch implements AMQP topic patterns: * is one word, # is zero or more
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && topicMatch(pattern[1:], words[1:])
	}
}
