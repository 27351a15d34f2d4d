package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/glimte/rabbitrpc/internal/rabbitmqtest"
	"github.com/glimte/rabbitrpc/messaging"
	"github.com/stretchr/testify/require"
)

type calcRequest struct {
	Op string `json:"op" msgpack:"op"`
	A  int    `json:"a" msgpack:"a"`
	B  int    `json:"b" msgpack:"b"`
}

var errDivisionByZero = errors.New("division by zero")

func calculate(_ context.Context, req calcRequest) (int, error) {
	switch req.Op {
	case "add":
		return req.A + req.B, nil
	case "sub":
		return req.A - req.B, nil
	case "mul":
		return req.A * req.B, nil
	case "div":
		if req.B == 0 {
			return 0, errDivisionByZero
		}
		return req.A / req.B, nil
	default:
		return 0, errors.New("unknown operation " + req.Op)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastReconnect() messaging.SessionOption {
	return messaging.WithReconnectBackoff(time.Millisecond, 5*time.Millisecond)
}

func calcBinding(options ...contracts.BindingOption) contracts.Binding {
	return contracts.NewBinding("calc", append([]contracts.BindingOption{contracts.WithQueue("calc.requests")}, options...)...)
}

func newTestServer(t *testing.T, provider messaging.ChannelProvider, binding contracts.Binding, options ...ServerOption) *Server[calcRequest, int] {
	t.Helper()
	options = append([]ServerOption{
		WithServerLogger(quietLogger()),
		WithSharedServerProvider(),
		WithServerSessionOptions(fastReconnect()),
	}, options...)

	server, err := NewServer[calcRequest, int](context.Background(), provider, binding, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func newTestClient(t *testing.T, provider messaging.ChannelProvider, binding contracts.Binding, options ...ClientOption) *Client[calcRequest, int] {
	t.Helper()
	options = append([]ClientOption{
		WithClientLogger(quietLogger()),
		WithSharedClientProvider(),
		WithRequestTimeout(2 * time.Second),
		WithClientSessionOptions(fastReconnect()),
	}, options...)

	client, err := NewClient[calcRequest, int](context.Background(), provider, binding, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// calcPair starts a server answering with calculate and a client for it
func calcPair(t *testing.T, broker *rabbitmqtest.Broker, binding contracts.Binding) (*Server[calcRequest, int], *Client[calcRequest, int]) {
	t.Helper()
	provider := rabbitmqtest.NewProvider(broker)
	server := newTestServer(t, provider, binding)
	require.NoError(t, server.RespondAsync(context.Background(), calculate))
	return server, newTestClient(t, provider, binding)
}

// gate blocks handlers until opened and records how often they ran
type gate struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) handler(ctx context.Context, req calcRequest) (int, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	g.entered <- struct{}{}
	<-g.release
	return calculate(ctx, req)
}

func (g *gate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func waitEntered(t *testing.T, g *gate) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}
