// Package rabbitmq owns the broker connection used by rabbitrpc.
//
// ConnectionManager dials with amqp091's DialConfig, watches the connection for
// closure and re-dials with exponential backoff. Channels are opened by the
// transports/rabbitmq provider from whatever connection is current.
package rabbitmq
