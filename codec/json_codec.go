package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// It is the default and the only codec every peer must understand: payloads
// are human-readable and timestamps go out as RFC 3339 strings.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
