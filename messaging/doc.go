// Package messaging is the broker plumbing shared by the RPC server, the RPC
// client and the exchange client.
//
// A Session owns one channel at a time through a versioned ChannelHandle and
// replaces it when the broker or the network closes it: a single supervisor
// goroutine acquires a fresh channel from the ChannelProvider, runs the owner's
// setup function on it (topology, consumers) and installs it. Callers read the
// current Lease immediately before each publish.
//
// Deliveries are settled through Settle with one of three AckDecision values.
// ConsumerErrorStrategy implementations map handler failures and broker
// cancellations to a decision.
//
// ExchangeClient publishes and subscribes on fanout, direct and topic exchanges.
package messaging
