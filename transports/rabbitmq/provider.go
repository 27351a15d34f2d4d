package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitrpc/internal/rabbitmq"
	"github.com/glimte/rabbitrpc/internal/reliability"
	"github.com/glimte/rabbitrpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ messaging.Channel = (*amqp.Channel)(nil)
var _ messaging.ChannelProvider = (*Provider)(nil)

// Provider opens channels on a reconnecting RabbitMQ connection
type Provider struct {
	manager *rabbitmq.ConnectionManager
	policy  reliability.RetryPolicy
	logger  *slog.Logger
}

// ProviderConfig holds configuration for the provider
type ProviderConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	AcquirePolicy     reliability.RetryPolicy
	Logger            *slog.Logger
}

// ProviderOption configures the provider
type ProviderOption func(*ProviderConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) ProviderOption {
	return func(cfg *ProviderConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithAcquireBackoff sets how long Acquire keeps waiting for the connection
// to come back. A negative maxAttempts waits until the context ends.
func WithAcquireBackoff(initial, maxDelay time.Duration, maxAttempts int) ProviderOption {
	return func(cfg *ProviderConfig) {
		cfg.AcquirePolicy = reliability.NewExponentialBackoff(initial, maxDelay, 2.0, maxAttempts)
	}
}

// WithLogger sets the logger of the provider and its connection manager
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(cfg *ProviderConfig) {
		cfg.Logger = logger
	}
}

// NewProvider connects to url and returns a provider over the connection
func NewProvider(ctx context.Context, url string, options ...ProviderOption) (*Provider, error) {
	cfg := &ProviderConfig{
		AcquirePolicy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, -1),
		Logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connectionOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connectionOptions...)

	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return newProvider(manager, cfg), nil
}

// NewProviderFromConnectionString is NewProvider for a key=value connection string
func NewProviderFromConnectionString(ctx context.Context, connectionString string, options ...ProviderOption) (*Provider, error) {
	settings, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	options = append([]ProviderOption{WithConnectionOptions(settings.ConnectionOptions()...)}, options...)
	return NewProvider(ctx, settings.URL(), options...)
}

func newProvider(manager *rabbitmq.ConnectionManager, cfg *ProviderConfig) *Provider {
	return &Provider{
		manager: manager,
		policy:  cfg.AcquirePolicy,
		logger:  cfg.Logger,
	}
}

// Acquire opens a channel, waiting while the connection is being re-established
func (p *Provider) Acquire(ctx context.Context) (messaging.Channel, error) {
	var ch *amqp.Channel

	err := reliability.Retry(ctx, p.policy, func() error {
		conn, err := p.manager.GetConnection()
		if err != nil {
			return reliability.RetryableError{Err: err, Retryable: rabbitmq.IsRetryable(err)}
		}

		c, err := conn.Channel()
		if err != nil {
			return reliability.RetryableError{
				Err:       &rabbitmq.ChannelError{Op: "open", Err: err, Timestamp: time.Now()},
				Retryable: rabbitmq.IsRetryable(err),
			}
		}
		ch = c
		return nil
	})
	if err != nil {
		p.logger.Debug("failed to acquire channel", "error", err)
		return nil, err
	}

	return ch, nil
}

// IsConnected reports whether the connection is up
func (p *Provider) IsConnected() bool {
	return p.manager.IsConnected()
}

// Close closes the connection and every channel on it
func (p *Provider) Close() error {
	return p.manager.Close()
}
