// Package rpc implements request/reply over an AMQP broker.
//
// A Server declares an exchange and a request queue and answers requests
// through a Responder, which runs the registered handler on a bounded worker
// pool. A Client publishes requests with a fresh correlation id and a
// reply-to address, and matches the replies arriving on its reply queue to
// the calls waiting for them.
//
//	server, err := rpc.NewServer[Request, Reply](ctx, provider, binding)
//	err = server.RespondAsync(ctx, func(ctx context.Context, req Request) (Reply, error) {
//		return handle(req)
//	})
//
//	client, err := rpc.NewClient[Request, Reply](ctx, provider, binding,
//		rpc.WithRequestTimeout(5*time.Second))
//	reply, err := client.Request(ctx, Request{...})
//
// Handler failures reach the caller as *RemoteError; calls that get no reply
// in time fail with *TimeoutError, which matches ErrTimeout.
//
// Both sides survive channel loss: a reconnect re-declares the topology and
// re-attaches the consumers. Calls in flight during a reconnect time out.
package rpc
