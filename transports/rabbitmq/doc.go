// Package rabbitmq provides the amqp091 implementation of
// messaging.ChannelProvider.
//
//	provider, err := rabbitmq.NewProviderFromConnectionString(ctx,
//		"host=localhost;username=guest;password=guest;requestedHeartbeat=10")
package rabbitmq
