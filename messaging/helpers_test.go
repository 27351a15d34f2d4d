package messaging_test

import (
	"io"
	"log/slog"

	"github.com/glimte/rabbitrpc/serialization"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serializationMsgpack() serialization.Codec {
	return serialization.MsgpackCodec{}
}
