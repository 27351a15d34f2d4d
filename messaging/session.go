package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/autom8ter/machine/v4"
	"github.com/glimte/rabbitrpc/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SessionState is the position of a Session in its reconnect cycle
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SetupFunc prepares a fresh channel (topology, consumers) before it becomes current
type SetupFunc func(ctx context.Context, lease *Lease) error

// StateListener is told about every state transition
type StateListener func(from, to SessionState)

// Session keeps one channel alive for its owner. When the channel shuts down
// a single supervisor goroutine acquires a new one from the provider, runs the
// setup function on it and installs it in the handle. Reconnects never overlap.
type Session struct {
	name      string
	provider  ChannelProvider
	handle    *ChannelHandle
	setup     SetupFunc
	confirms  bool
	backoff   *reliability.ExponentialBackoff
	logger    *slog.Logger
	listeners []StateListener

	mu    sync.Mutex
	state SessionState

	machine   machine.Machine
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithSessionName names the session in logs
func WithSessionName(name string) SessionOption {
	return func(s *Session) {
		s.name = name
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithConfirms puts every channel of the session into confirm mode
func WithConfirms(enabled bool) SessionOption {
	return func(s *Session) {
		s.confirms = enabled
	}
}

// WithReconnectBackoff sets the delay bounds between reconnect attempts
func WithReconnectBackoff(initial, max time.Duration) SessionOption {
	return func(s *Session) {
		s.backoff = reliability.NewExponentialBackoff(initial, max, 2.0, -1)
	}
}

// WithStateListener registers a transition observer
func WithStateListener(listener StateListener) SessionOption {
	return func(s *Session) {
		s.listeners = append(s.listeners, listener)
	}
}

// NewSession acquires the first channel, runs setup on it and starts the
// reconnect supervisor. ctx bounds the first connection only.
func NewSession(ctx context.Context, provider ChannelProvider, setup SetupFunc, options ...SessionOption) (*Session, error) {
	s := &Session{
		name:     "session",
		provider: provider,
		handle:   NewChannelHandle(),
		setup:    setup,
		backoff:  reliability.NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0, -1),
		logger:   slog.Default(),
		state:    StateConnecting,
		machine:  machine.New(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(ctx); err != nil {
		s.cancel()
		return nil, err
	}
	s.setState(StateConnected)

	s.machine.Go(s.ctx, s.supervise)
	return s, nil
}

// Handle exposes the versioned channel handle
func (s *Session) Handle() *ChannelHandle {
	return s.handle
}

// Lease returns the current lease, waiting out a reconnect
func (s *Session) Lease(ctx context.Context) (*Lease, error) {
	return s.handle.Wait(ctx)
}

// Publish sends msg on the current channel
func (s *Session) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	lease, err := s.handle.Wait(ctx)
	if err != nil {
		return err
	}
	return lease.Publisher.Publish(ctx, exchange, key, msg)
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close stops the supervisor and closes the current channel. It does not
// close the provider. Calling it again is a no-op.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		lease := s.handle.Close()
		if lease != nil {
			if cerr := lease.Channel.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = cerr
			}
		}
		if werr := s.machine.Wait(); werr != nil && err == nil {
			err = werr
		}
		s.setState(StateClosed)
	})
	return err
}

func (s *Session) setState(to SessionState) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = to
	listeners := s.listeners
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(from, to)
	}
}

// connect acquires a channel, prepares it and makes it current
func (s *Session) connect(ctx context.Context) error {
	ch, err := s.provider.Acquire(ctx)
	if err != nil {
		return err
	}

	publisher, err := NewPublisher(ch, s.confirms)
	if err != nil {
		ch.Close()
		return err
	}

	lease := NewLease(ch, publisher, ch.NotifyClose(make(chan *amqp.Error, 1)))
	if s.setup != nil {
		if err := s.setup(ctx, lease); err != nil {
			ch.Close()
			return err
		}
	}

	if err := s.handle.Install(lease); err != nil {
		ch.Close()
		return err
	}
	return nil
}

// supervise waits for the current channel to close and replaces it
func (s *Session) supervise(ctx context.Context) error {
	for {
		lease, err := s.handle.Current()
		if err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case cause := <-lease.Closed():
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Warn("channel closed, reconnecting",
				"session", s.name,
				"version", lease.Version(),
				"error", cause)
			s.handle.Invalidate(lease)
			s.setState(StateReconnecting)

			err := reliability.RetryWithNotify(ctx, s.backoff, func() error {
				return s.connect(ctx)
			}, func(attempt int, err error, delay time.Duration) {
				s.logger.Error("reconnect attempt failed",
					"session", s.name,
					"attempt", attempt+1,
					"retryIn", delay,
					"error", err)
			})
			if err != nil {
				if ctx.Err() == nil {
					// the provider will not recover; fail waiters instead of stalling them
					s.logger.Error("session gave up reconnecting",
						"session", s.name,
						"error", err)
					s.handle.Close()
					s.setState(StateClosed)
				}
				return nil
			}

			s.setState(StateConnected)
			s.logger.Info("session reconnected",
				"session", s.name,
				"version", s.handle.Version())
		}
	}
}
