package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/rabbitrpc/messaging"
)

// ErrProviderClosed is returned by Acquire after Close
var ErrProviderClosed = errors.New("rabbitmqtest: provider closed")

// Provider hands out channels of a Broker and can be told to fail
type Provider struct {
	broker *Broker

	mu       sync.Mutex
	failures int
	failErr  error
	acquired int
	closed   bool
	opened   []*Channel
}

var _ messaging.ChannelProvider = (*Provider)(nil)
var _ messaging.Channel = (*Channel)(nil)

// NewProvider creates a provider over broker
func NewProvider(broker *Broker) *Provider {
	return &Provider{broker: broker}
}

// Acquire implements messaging.ChannelProvider
func (p *Provider) Acquire(ctx context.Context) (messaging.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.failures > 0 {
		p.failures--
		return nil, p.failErr
	}

	ch := p.broker.NewChannel()
	p.acquired++
	p.opened = append(p.opened, ch)
	return ch, nil
}

// FailNext makes the next n Acquire calls return err
func (p *Provider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.failErr = err
}

// Acquired returns the number of channels handed out
func (p *Provider) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Last returns the most recently acquired channel
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// Closed reports whether Close was called
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close implements messaging.ChannelProvider; it shuts down every channel it opened
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	opened := p.opened
	p.mu.Unlock()

	for _, ch := range opened {
		ch.Shutdown(nil)
	}
	return nil
}
