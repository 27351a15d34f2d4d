package rpc

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/serialization"
	"golang.org/x/time/rate"
)

// DefaultRequestTimeout bounds a call when WithRequestTimeout is not given
const DefaultRequestTimeout = 30 * time.Second

// HandlerFunc answers one request
type HandlerFunc[I, O any] func(ctx context.Context, request I) (O, error)

type messageContextKey struct{}

// WithMessageContext returns a copy of ctx carrying mc
func WithMessageContext(ctx context.Context, mc contracts.MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// MessageContextFrom returns the delivery metadata of the request being handled
func MessageContextFrom(ctx context.Context) (contracts.MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(contracts.MessageContext)
	return mc, ok
}

// ServerOption configures a Server and its responders
type ServerOption func(*serverConfig)

type serverConfig struct {
	codec          serialization.Codec
	codecs         *serialization.Registry
	logger         *slog.Logger
	ackStrategy    messaging.AcknowledgmentStrategy
	replyFailure   messaging.AcknowledgmentStrategy
	errorStrategy  messaging.ConsumerErrorStrategy
	workers        int
	replyTimeout   time.Duration
	sessionOptions []messaging.SessionOption
	ownsProvider   bool
	metrics        *QueueMetrics
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		codec:         serialization.JSONCodec{},
		codecs:        serialization.DefaultRegistry(),
		logger:        slog.Default(),
		ackStrategy:   messaging.Always(messaging.Accept),
		replyFailure:  messaging.Always(messaging.DeadLetterReject),
		errorStrategy: messaging.DefaultConsumerErrorStrategy{},
		workers:       runtime.GOMAXPROCS(0),
		replyTimeout:  messaging.DefaultConfirmTimeout,
		ownsProvider:  true,
	}
}

// WithServerCodec sets the codec used when a request has no known content type
func WithServerCodec(codec serialization.Codec) ServerOption {
	return func(c *serverConfig) {
		c.codec = codec
	}
}

// WithServerRegistry sets the registry resolving request content types
func WithServerRegistry(registry *serialization.Registry) ServerOption {
	return func(c *serverConfig) {
		c.codecs = registry
	}
}

// WithServerLogger sets the logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) {
		c.logger = logger
	}
}

// WithAckStrategy decides how a request is settled after its reply was sent
func WithAckStrategy(strategy messaging.AcknowledgmentStrategy) ServerOption {
	return func(c *serverConfig) {
		c.ackStrategy = strategy
	}
}

// WithReplyFailureStrategy decides how a request is settled when its reply
// could not be published
func WithReplyFailureStrategy(strategy messaging.AcknowledgmentStrategy) ServerOption {
	return func(c *serverConfig) {
		c.replyFailure = strategy
	}
}

// WithConsumerErrorStrategy settles in-flight requests when the broker
// cancels the consumer
func WithConsumerErrorStrategy(strategy messaging.ConsumerErrorStrategy) ServerOption {
	return func(c *serverConfig) {
		c.errorStrategy = strategy
	}
}

// WithWorkers bounds the handlers running at once (default GOMAXPROCS)
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithServerSessionOptions passes options to the server's session
func WithServerSessionOptions(options ...messaging.SessionOption) ServerOption {
	return func(c *serverConfig) {
		c.sessionOptions = append(c.sessionOptions, options...)
	}
}

// WithSharedServerProvider leaves the provider open on Close
func WithSharedServerProvider() ServerOption {
	return func(c *serverConfig) {
		c.ownsProvider = false
	}
}

// WithServerMetrics records request counters into m
func WithServerMetrics(m *QueueMetrics) ServerOption {
	return func(c *serverConfig) {
		c.metrics = m
	}
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

type clientConfig struct {
	codec          serialization.Codec
	codecs         *serialization.Registry
	logger         *slog.Logger
	timeout        time.Duration
	directReplyTo  bool
	breaker        *reliability.CircuitBreaker
	limiter        *rate.Limiter
	sessionOptions []messaging.SessionOption
	ownsProvider   bool
}

func defaultClientConfig() *clientConfig {
	return &clientConfig{
		codec:        serialization.JSONCodec{},
		codecs:       serialization.DefaultRegistry(),
		logger:       slog.Default(),
		timeout:      DefaultRequestTimeout,
		ownsProvider: true,
	}
}

// WithClientCodec sets the codec requests are encoded with (default JSON)
func WithClientCodec(codec serialization.Codec) ClientOption {
	return func(c *clientConfig) {
		c.codec = codec
	}
}

// WithClientRegistry sets the registry resolving reply content types
func WithClientRegistry(registry *serialization.Registry) ClientOption {
	return func(c *clientConfig) {
		c.codecs = registry
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithRequestTimeout bounds every call; it is also sent as the message TTL
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithDirectReplyTo receives replies through RabbitMQ direct reply-to
// instead of a private reply queue
func WithDirectReplyTo() ClientOption {
	return func(c *clientConfig) {
		c.directReplyTo = true
	}
}

// WithCircuitBreaker stops publishing requests after failureThreshold
// consecutive publish failures, for openTimeout
func WithCircuitBreaker(failureThreshold int, openTimeout time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("rpc-client"),
			reliability.WithFailureThreshold(failureThreshold),
			reliability.WithTimeout(openTimeout),
		)
	}
}

// WithRateLimit caps requests per second, allowing bursts of burst
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *clientConfig) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithClientSessionOptions passes options to the client's session
func WithClientSessionOptions(options ...messaging.SessionOption) ClientOption {
	return func(c *clientConfig) {
		c.sessionOptions = append(c.sessionOptions, options...)
	}
}

// WithSharedClientProvider leaves the provider open on Close
func WithSharedClientProvider() ClientOption {
	return func(c *clientConfig) {
		c.ownsProvider = false
	}
}
