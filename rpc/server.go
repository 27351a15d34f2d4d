package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/messaging"
)

// Server owns the request side of a binding: it declares the exchange and
// request queue, keeps them declared across reconnects and runs a Responder
// for the registered handler on the current channel.
type Server[I, O any] struct {
	binding  contracts.Binding
	provider messaging.ChannelProvider
	session  *messaging.Session
	cfg      *serverConfig
	logger   *slog.Logger

	mu        sync.Mutex
	handler   HandlerFunc[I, O]
	responder *Responder[I, O]
	queue     string
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer declares the topology of binding and starts the reconnect
// supervisor. Requests are consumed once RespondAsync registers a handler.
// The prefetch is always one.
func NewServer[I, O any](ctx context.Context, provider messaging.ChannelProvider, binding contracts.Binding, options ...ServerOption) (*Server[I, O], error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}
	binding.PrefetchCount = 1
	binding.AutoAck = false

	cfg := defaultServerConfig()
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = NewQueueMetrics(binding.Exchange, binding.Queue)
	}

	s := &Server[I, O]{
		binding:  binding,
		provider: provider,
		cfg:      cfg,
		logger:   cfg.logger.With("exchange", binding.Exchange, "queue", binding.Queue),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	sessionOptions := append([]messaging.SessionOption{
		messaging.WithSessionName("rpc-server:" + binding.Exchange),
		messaging.WithSessionLogger(cfg.logger),
		messaging.WithConfirms(binding.PublisherConfirms),
	}, cfg.sessionOptions...)

	session, err := messaging.NewSession(ctx, provider, s.setup, sessionOptions...)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.session = session

	return s, nil
}

// RespondAsync registers handler, replacing the previous one. A live
// consumer keeps consuming and picks up the new handler for every request it
// has not started yet, so queued requests are never dropped.
func (s *Server[I, O]) RespondAsync(ctx context.Context, handler HandlerFunc[I, O]) error {
	if handler == nil {
		return ErrNilHandler
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.handler = handler
	if current := s.responder; current != nil && !current.lease.Channel.IsClosed() {
		current.SetHandler(handler)
		s.mu.Unlock()
		s.logger.Info("handler replaced", "queue", s.Queue())
		return nil
	}
	s.mu.Unlock()

	for {
		lease, err := s.session.Lease(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrServerClosed
		}
		if s.responder != nil && s.responder.lease == lease {
			// a reconnect attached the handler already
			s.responder.SetHandler(s.handler)
			s.mu.Unlock()
			return nil
		}
		err = s.declareAndAttachLocked(lease)
		s.mu.Unlock()

		if err == nil {
			s.logger.Info("responder started", "queue", s.Queue())
			return nil
		}
		if !lease.Channel.IsClosed() {
			return err
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Queue returns the declared request queue name
func (s *Server[I, O]) Queue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// State returns the connection state
func (s *Server[I, O]) State() messaging.SessionState {
	return s.session.State()
}

// Metrics returns the request counters
func (s *Server[I, O]) Metrics() QueueMetricsSnapshot {
	return s.cfg.metrics.Snapshot()
}

// Close stops consuming, waits for in-flight handlers and releases the
// channel. The provider is closed too unless it is shared. Calling it again
// is a no-op.
func (s *Server[I, O]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		current := s.responder
		s.responder = nil
		s.mu.Unlock()

		if current != nil {
			current.Stop()
		}
		s.wg.Wait()
		s.cancel()

		err = s.session.Close()
		if s.cfg.ownsProvider {
			if perr := s.provider.Close(); perr != nil && err == nil {
				err = perr
			}
		}
		s.logger.Info("server closed", "metrics", s.cfg.metrics.Snapshot())
	})
	return err
}

// setup runs on every new channel
func (s *Server[I, O]) setup(_ context.Context, lease *messaging.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.handler == nil {
		queue, err := messaging.DeclareBinding(lease.Channel, s.binding, false)
		if err != nil {
			return err
		}
		s.queue = queue
		return nil
	}
	return s.declareAndAttachLocked(lease)
}

// declareAndAttachLocked (re)declares the topology on lease and starts a
// responder there. An auto-delete queue may be gone once its last consumer
// left, hence the declaration. s.mu must be held.
func (s *Server[I, O]) declareAndAttachLocked(lease *messaging.Lease) error {
	queue, err := messaging.DeclareBinding(lease.Channel, s.binding, false)
	if err != nil {
		return err
	}
	s.queue = queue

	if previous := s.responder; previous != nil {
		s.responder = nil
		s.retireLocked(previous)
	}

	var r *Responder[I, O]
	r = newResponder(s.ctx, lease, s.handler, s.cfg, func() {
		s.consumerCancelled(r)
	})
	if err := r.Start(queue); err != nil {
		return err
	}
	s.responder = r
	return nil
}

// retireLocked stops r in the background. s.mu must be held.
func (s *Server[I, O]) retireLocked(r *Responder[I, O]) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.Stop()
	}()
}

// consumerCancelled resumes consuming on the same channel after the broker
// cancelled r, for example because the queue was deleted
func (s *Server[I, O]) consumerCancelled(r *Responder[I, O]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.responder != r {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.responder != r || r.lease.Channel.IsClosed() {
			return
		}
		if err := s.declareAndAttachLocked(r.lease); err != nil {
			s.logger.Error("failed to resume consuming after cancel", "error", err)
			return
		}
		s.logger.Info("consumer resumed after cancel", "queue", s.queue)
	}()
}
