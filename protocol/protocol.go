// Package protocol implements the frame format peers use on a TCP stream.
//
// Every envelope travels as a fixed-size 14-byte header followed by a
// variable-length body. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes, so a reply is never truncated no
// matter how many socket reads it spans.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ plk  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "plk".
// Lets a server reject non-protocol connections (e.g. an HTTP client hitting
// the wrong port) before trying to decode anything.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x6c // 'l'
	MagicByte3  byte = 0x6b // 'k'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single envelope.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → Server
	MsgTypeResponse MsgType = 1 // Server → Client
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// ErrMalformed is wrapped by every Decode error caused by frame content
// rather than by the underlying reader, so servers can tell a corrupted stream
// from a closed or timed-out one.
var ErrMalformed = errors.New("malformed frame")

// ErrTooLarge is returned when a body exceeds MaxBodySize.
var ErrTooLarge = fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, MaxBodySize)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=CBOR
	MsgType   MsgType // Request or Response
	Seq       uint32  // Per-connection sequence; a response echoes its request's seq
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w in a single Write.
// Callers sharing a writer must serialize calls themselves.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return ErrTooLarge
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates magic, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: invalid magic number: %x", ErrMalformed, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version: %d", ErrMalformed, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("%w: unsupported codec type: %d", ErrMalformed, headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) {
		return nil, nil, fmt.Errorf("%w: unsupported message type: %d", ErrMalformed, msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, ErrTooLarge
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
