package codec

// CodecType is carried in every frame header so the receiver can decode the
// body without negotiation. Replies use the codec of the request they answer.
type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

var (
	jsonCodec = &JSONCodec{}
	cborCodec = newCBORCodec()
)

// GetCodec returns the codec for t, or nil if t is unknown.
func GetCodec(t CodecType) Codec {
	switch t {
	case CodecTypeJSON:
		return jsonCodec
	case CodecTypeCBOR:
		return cborCodec
	}
	return nil
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return "unknown"
}

// ParseCodecType maps a config name to a CodecType. Empty means JSON.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "", "json":
		return CodecTypeJSON, true
	case "cbor":
		return CodecTypeCBOR, true
	}
	return 0, false
}
