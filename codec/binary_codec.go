package codec

import (
	"bytes"
	"encoding/gob"
	"errors"

	"tunnel-rpc/message"
)

// BinaryCodec encodes envelopes with encoding/gob. Only *message.Message is accepted.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Message")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Message")
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(msg)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
