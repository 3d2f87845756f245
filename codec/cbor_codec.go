package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is a compact binary alternative to JSON for peers that opt in.
// Struct fields fall back to their json tags, so envelopes need no extra
// annotations. Timestamps are kept as RFC 3339 strings to match the JSON wire
// form, and nested maps decode as map[string]any rather than map[any]any.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() *CBORCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
