// Package codec implements the codecs for encoding and decoding event
// body and metadata values. The runtime itself treats those values as
// opaque bytes; domain code picks a codec to give them structure.
package codec

import (
	"errors"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes native values into bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

var (
	// CBOR is the canonical structured-value codec: deterministic map
	// ordering, byte strings kept as byte strings, timestamps encoded
	// as tagged RFC 3339 strings with nanosecond precision.
	CBOR = newCBORCodec()

	// Bytes passes byte slices through verbatim.
	Bytes = &bytesCodec{}

	// String encodes strings as their raw bytes.
	String = &stringCodec{}
)

var (
	mu     sync.RWMutex
	codecs = map[string]Codec{
		"cbor":   CBOR,
		"bytes":  Bytes,
		"string": String,
	}
)

// Register registers a codec under a name, replacing any previous
// registration.
func Register(name string, codec Codec) {
	mu.Lock()
	defer mu.Unlock()
	codecs[name] = codec
}

// Get gets a codec by name.
func Get(name string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := codecs[name]
	return c, ok
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *cborCodec {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	enc, err := opts.EncMode()
	if err != nil {
		panic("codec: building cbor encoder: " + err.Error())
	}
	dec, err := cbor.DecOptions{TimeTag: cbor.DecTagOptional}.DecMode()
	if err != nil {
		panic("codec: building cbor decoder: " + err.Error())
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (c *cborCodec) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *cborCodec) Unmarshal(b []byte, v any) error {
	return c.dec.Unmarshal(b, v)
}

type bytesCodec struct{}

func (*bytesCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errors.New("byte slice required")
}

func (*bytesCodec) Unmarshal(b []byte, v any) error {
	x, ok := v.(*[]byte)
	if !ok {
		return errors.New("pointer to []byte required")
	}
	*x = b
	return nil
}

type stringCodec struct{}

func (*stringCodec) Marshal(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	return nil, errors.New("string required")
}

func (*stringCodec) Unmarshal(b []byte, v any) error {
	x, ok := v.(*string)
	if !ok {
		return errors.New("pointer to string required")
	}
	*x = string(b)
	return nil
}
