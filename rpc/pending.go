package rpc

import (
	"context"
	"sync"
	"time"
)

// Call is an outstanding request. It resolves exactly once: with the reply,
// a *RemoteError, a *TimeoutError or the error that stopped the request.
type Call[O any] struct {
	CorrelationID string
	Created       time.Time

	once   sync.Once
	done   chan struct{}
	result O
	err    error
}

func newCall[O any](correlationID string) *Call[O] {
	return &Call[O]{
		CorrelationID: correlationID,
		Created:       time.Now(),
		done:          make(chan struct{}),
	}
}

// Done is closed when the call resolves
func (c *Call[O]) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call resolves
func (c *Call[O]) Result() (O, error) {
	<-c.done
	return c.result, c.err
}

// Wait is Result bounded by ctx. Giving up does not cancel the call.
func (c *Call[O]) Wait(ctx context.Context) (O, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
}

// resolve reports whether this was the first resolution
func (c *Call[O]) resolve(result O, err error) bool {
	first := false
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
		first = true
	})
	return first
}

// pendingCalls is the registry of calls awaiting a reply, keyed by correlation id
type pendingCalls[O any] struct {
	mu    sync.Mutex
	calls map[string]*pendingCall[O]
}

type pendingCall[O any] struct {
	call  *Call[O]
	timer *time.Timer
}

func newPendingCalls[O any]() *pendingCalls[O] {
	return &pendingCalls[O]{calls: make(map[string]*pendingCall[O])}
}

// add registers call and arms its expiry
func (p *pendingCalls[O]) add(call *Call[O], timeout time.Duration, expire func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.calls[call.CorrelationID]; exists {
		return ErrDuplicateCall
	}
	p.calls[call.CorrelationID] = &pendingCall[O]{
		call:  call,
		timer: time.AfterFunc(timeout, expire),
	}
	return nil
}

// complete removes the entry for correlationID and resolves its call.
// It reports false for unknown or already completed ids.
func (p *pendingCalls[O]) complete(correlationID string, result O, err error) bool {
	p.mu.Lock()
	entry, ok := p.calls[correlationID]
	if ok {
		delete(p.calls, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	return entry.call.resolve(result, err)
}

// failAll resolves every pending call with err
func (p *pendingCalls[O]) failAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall[O])
	p.mu.Unlock()

	var zero O
	for _, entry := range calls {
		entry.timer.Stop()
		entry.call.resolve(zero, err)
	}
	return len(calls)
}

func (p *pendingCalls[O]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
