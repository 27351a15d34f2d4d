// Package serialization encodes RPC envelopes.
//
// JSONCodec and MsgpackCodec implement Codec. A Registry maps the AMQP
// content-type property back to a codec so that a receiver can decode
// whatever the sender chose.
package serialization
