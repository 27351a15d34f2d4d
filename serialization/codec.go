package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ContentTypeJSON is the content type written by JSONCodec
	ContentTypeJSON = "application/json"
	// ContentTypeMsgpack is the content type written by MsgpackCodec
	ContentTypeMsgpack = "application/msgpack"
)

var (
	// ErrUnknownContentType is returned when no codec is registered for a content type
	ErrUnknownContentType = errors.New("serialization: unknown content type")
	// ErrEmptyPayload is returned when decoding an empty body
	ErrEmptyPayload = errors.New("serialization: empty payload")
)

// Codec converts envelopes to and from bytes
type Codec interface {
	// Marshal encodes v
	Marshal(v interface{}) ([]byte, error)
	// Unmarshal decodes data into v, which must be a pointer
	Unmarshal(data []byte, v interface{}) error
	// ContentType is written to the AMQP content-type property
	ContentType() string
}

// CodecError reports a failed encode or decode
type CodecError struct {
	Op          string
	ContentType string
	Err         error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("serialization: %s %s failed: %v", e.ContentType, e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// JSONCodec encodes with encoding/json
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &CodecError{Op: "marshal", ContentType: ContentTypeJSON, Err: err}
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &CodecError{Op: "unmarshal", ContentType: ContentTypeJSON, Err: ErrEmptyPayload}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CodecError{Op: "unmarshal", ContentType: ContentTypeJSON, Err: err}
	}
	return nil
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return ContentTypeJSON
}

// MsgpackCodec encodes with msgpack
type MsgpackCodec struct{}

// Marshal implements Codec
func (MsgpackCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, &CodecError{Op: "marshal", ContentType: ContentTypeMsgpack, Err: err}
	}
	return data, nil
}

// Unmarshal implements Codec
func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &CodecError{Op: "unmarshal", ContentType: ContentTypeMsgpack, Err: ErrEmptyPayload}
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return &CodecError{Op: "unmarshal", ContentType: ContentTypeMsgpack, Err: err}
	}
	return nil
}

// ContentType implements Codec
func (MsgpackCodec) ContentType() string {
	return ContentTypeMsgpack
}

// Registry maps content types to codecs
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry holding the JSON and msgpack codecs
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(JSONCodec{})
	r.Register(MsgpackCodec{})
	return r
}

// Register adds or replaces the codec for its content type
func (r *Registry) Register(codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[normalize(codec.ContentType())] = codec
}

// Lookup returns the codec registered for contentType
func (r *Registry) Lookup(contentType string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.codecs[normalize(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContentType, contentType)
	}
	return codec, nil
}

// Resolve returns the codec for contentType, or fallback when the content
// type is empty or unregistered
func (r *Registry) Resolve(contentType string, fallback Codec) Codec {
	if contentType == "" {
		return fallback
	}
	codec, err := r.Lookup(contentType)
	if err != nil {
		return fallback
	}
	return codec
}

// normalize strips parameters such as "; charset=utf-8"
func normalize(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}
