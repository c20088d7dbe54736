// Package codec provides the opaque encode/decode capability for message envelopes.
//
// The codec id travels in each frame header, so a receiver always decodes a frame with the
// codec its sender chose.
package codec

import "tunnel-rpc/protocol"

type CodecType byte

const (
	CodecTypeJSON   CodecType = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary CodecType = CodecType(protocol.CodecTypeBinary)
	CodecTypeZstd   CodecType = CodecType(protocol.CodecTypeZstd)
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeZstd:
		return &ZstdCodec{}
	default:
		return &JSONCodec{}
	}
}

// ParseType maps a configuration name ("json", "binary", "zstd") to a codec type.
func ParseType(name string) (CodecType, bool) {
	switch name {
	case "", "json":
		return CodecTypeJSON, true
	case "binary", "gob":
		return CodecTypeBinary, true
	case "zstd":
		return CodecTypeZstd, true
	}
	return CodecTypeJSON, false
}
