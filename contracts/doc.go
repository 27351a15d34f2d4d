// Package contracts provides the data types exchanged between rabbitrpc components.
//
// This package defines:
//   - RequestEnvelope and ReplyEnvelope: the wire envelopes of an RPC call
//   - ErrorDescriptor: the wire form of a failed call
//   - Binding: exchange, queue and routing key description consumed by servers,
//     clients and exchange clients
//   - MessageContext: per-delivery metadata handed to acknowledgment strategies
//
// Envelopes carry both JSON and msgpack struct tags so that any codec from the
// serialization package can encode them.
package contracts
