package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec encodes envelopes as JSON. It is the default: readable on the wire and the
// format argument values use regardless of codec.
type JSONCodec struct{}

// Encode leaves HTML characters unescaped; frames are never rendered in a browser.
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
