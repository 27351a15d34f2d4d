// Copyright 2024 rabbitrpc Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/glimte/rabbitrpc/rpc"
	rabbitmqTransport "github.com/glimte/rabbitrpc/transports/rabbitmq"
)

// ClientServer pairs an RPC client and an RPC server on one binding and one
// connection. It is the main entry point for rabbitrpc.
type ClientServer[I, O any] struct {
	client   *rpc.Client[I, O]
	server   *rpc.Server[I, O]
	provider messaging.ChannelProvider
	owns     bool

	closeOnce sync.Once
	closeErr  error
}

// config holds facade configuration
type config struct {
	logger        *slog.Logger
	clientOptions []rpc.ClientOption
	serverOptions []rpc.ServerOption
	ownsProvider  bool
}

// Option configures the facade
type Option func(*config)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithClientOptions passes options to the client half
func WithClientOptions(options ...rpc.ClientOption) Option {
	return func(cfg *config) {
		cfg.clientOptions = append(cfg.clientOptions, options...)
	}
}

// WithServerOptions passes options to the server half
func WithServerOptions(options ...rpc.ServerOption) Option {
	return func(cfg *config) {
		cfg.serverOptions = append(cfg.serverOptions, options...)
	}
}

// WithSharedProvider leaves the provider open on Close
func WithSharedProvider() Option {
	return func(cfg *config) {
		cfg.ownsProvider = false
	}
}

// Dial connects to the broker and returns a ClientServer for binding.
// target is either an AMQP URI or a key=value;key=value connection string.
func Dial[I, O any](ctx context.Context, target string, binding contracts.Binding, options ...Option) (*ClientServer[I, O], error) {
	cfg := newConfig(options)

	providerOptions := []rabbitmqTransport.ProviderOption{
		rabbitmqTransport.WithLogger(cfg.logger),
	}

	var (
		provider *rabbitmqTransport.Provider
		err      error
	)
	if strings.Contains(target, "://") {
		provider, err = rabbitmqTransport.NewProvider(ctx, target, providerOptions...)
	} else {
		provider, err = rabbitmqTransport.NewProviderFromConnectionString(ctx, target, providerOptions...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	cs, err := New[I, O](ctx, provider, binding, options...)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	return cs, nil
}

// New builds a ClientServer on provider. The server declares the binding's
// topology before the client starts. The provider is closed by Close unless
// WithSharedProvider is given.
func New[I, O any](ctx context.Context, provider messaging.ChannelProvider, binding contracts.Binding, options ...Option) (*ClientServer[I, O], error) {
	cfg := newConfig(options)

	serverOptions := append([]rpc.ServerOption{rpc.WithServerLogger(cfg.logger)}, cfg.serverOptions...)
	serverOptions = append(serverOptions, rpc.WithSharedServerProvider())
	server, err := rpc.NewServer[I, O](ctx, provider, binding, serverOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	clientOptions := append([]rpc.ClientOption{rpc.WithClientLogger(cfg.logger)}, cfg.clientOptions...)
	clientOptions = append(clientOptions, rpc.WithSharedClientProvider())
	client, err := rpc.NewClient[I, O](ctx, provider, binding, clientOptions...)
	if err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &ClientServer[I, O]{
		client:   client,
		server:   server,
		provider: provider,
		owns:     cfg.ownsProvider,
	}, nil
}

func newConfig(options []Option) *config {
	cfg := &config{
		logger:       slog.Default(),
		ownsProvider: true,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Request sends request on the binding's routing key and waits for the reply
func (cs *ClientServer[I, O]) Request(ctx context.Context, request I) (O, error) {
	return cs.client.Request(ctx, request)
}

// RequestWithRoutingKey sends request with an explicit routing key and waits for the reply
func (cs *ClientServer[I, O]) RequestWithRoutingKey(ctx context.Context, request I, routingKey string) (O, error) {
	return cs.client.RequestWithRoutingKey(ctx, request, routingKey)
}

// RequestAsync sends request and returns a call that resolves with the reply
func (cs *ClientServer[I, O]) RequestAsync(ctx context.Context, request I) (*rpc.Call[O], error) {
	return cs.client.RequestAsync(ctx, request)
}

// RequestAsyncWithRoutingKey is RequestAsync with an explicit routing key
func (cs *ClientServer[I, O]) RequestAsyncWithRoutingKey(ctx context.Context, request I, routingKey string) (*rpc.Call[O], error) {
	return cs.client.RequestAsyncWithRoutingKey(ctx, request, routingKey)
}

// RespondAsync starts answering requests with handler, replacing any previous one
func (cs *ClientServer[I, O]) RespondAsync(ctx context.Context, handler rpc.HandlerFunc[I, O]) error {
	return cs.server.RespondAsync(ctx, handler)
}

// Client returns the client half
func (cs *ClientServer[I, O]) Client() *rpc.Client[I, O] {
	return cs.client
}

// Server returns the server half
func (cs *ClientServer[I, O]) Server() *rpc.Server[I, O] {
	return cs.server
}

// Close stops the client, then the server, then releases the provider.
// Pending calls fail with rpc.ErrClientClosed.
func (cs *ClientServer[I, O]) Close() error {
	cs.closeOnce.Do(func() {
		errs := []error{cs.client.Close(), cs.server.Close()}
		if cs.owns {
			errs = append(errs, cs.provider.Close())
		}
		cs.closeErr = errors.Join(errs...)
	})
	return cs.closeErr
}
