package messaging

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Lease is one version of the channel held by a ChannelHandle, together with
// the publisher bound to it. A lease is never reused after its channel dies.
type Lease struct {
	Channel   Channel
	Publisher *Publisher

	version atomic.Uint64
	closed  <-chan *amqp.Error
}

// NewLease pairs ch with its publisher and close notifications
func NewLease(ch Channel, publisher *Publisher, closed <-chan *amqp.Error) *Lease {
	return &Lease{Channel: ch, Publisher: publisher, closed: closed}
}

// Version is assigned when the lease is installed; zero before that
func (l *Lease) Version() uint64 {
	return l.version.Load()
}

// Closed is signalled when the lease's channel shuts down
func (l *Lease) Closed() <-chan *amqp.Error {
	return l.closed
}

// ChannelHandle is the single owner of the active channel. Readers fetch the
// lease right before every operation and never keep it across a reconnect.
type ChannelHandle struct {
	mu      sync.Mutex
	lease   *Lease
	version uint64
	ready   chan struct{} // closed while a lease is installed
	closed  bool
}

// NewChannelHandle creates an empty handle
func NewChannelHandle() *ChannelHandle {
	return &ChannelHandle{ready: make(chan struct{})}
}

// Current returns the installed lease without waiting
func (h *ChannelHandle) Current() (*Lease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrSessionClosed
	}
	if h.lease == nil {
		return nil, ErrChannelUnavailable
	}
	return h.lease, nil
}

// Wait returns the installed lease, blocking while a reconnect is in progress
func (h *ChannelHandle) Wait(ctx context.Context) (*Lease, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrSessionClosed
		}
		if h.lease != nil {
			lease := h.lease
			h.mu.Unlock()
			return lease, nil
		}
		ready := h.ready
		h.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Version is the number of leases installed so far
func (h *ChannelHandle) Version() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Install makes lease the current one
func (h *ChannelHandle) Install(lease *Lease) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrSessionClosed
	}

	h.version++
	lease.version.Store(h.version)

	wasEmpty := h.lease == nil
	h.lease = lease
	if wasEmpty {
		close(h.ready)
	}
	return nil
}

// Invalidate drops lease if it is still the current one and reports whether it did
func (h *ChannelHandle) Invalidate(lease *Lease) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lease == nil || h.lease != lease {
		return false
	}
	h.lease = nil
	h.ready = make(chan struct{})
	return true
}

// Close drops the lease for good and returns it so the caller can close its channel
func (h *ChannelHandle) Close() *Lease {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	lease := h.lease
	if lease == nil {
		close(h.ready) // wake waiters
	}
	h.lease = nil
	return lease
}
