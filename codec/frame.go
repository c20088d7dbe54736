package codec

import (
	"fmt"

	"tunnel-rpc/message"
	"tunnel-rpc/protocol"
)

// EncodeMessage serializes msg with c and wraps it in a frame routed by its invocation id.
func EncodeMessage(c Codec, seq uint32, msg *message.Message) (*protocol.Frame, error) {
	body, err := c.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	return &protocol.Frame{
		Header: protocol.Header{
			CodecType: byte(c.Type()),
			MsgType:   msg.Kind,
			Seq:       seq,
			Route:     msg.InvocationID.Route(),
			BodyLen:   uint32(len(body)),
		},
		Body: body,
	}, nil
}

// DecodeMessage decodes and validates the envelope carried by f.
func DecodeMessage(f *protocol.Frame) (*message.Message, error) {
	c := GetCodec(CodecType(f.Header.CodecType))
	msg := &message.Message{}
	if err := c.Decode(f.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", f.Header.MsgType, err)
	}
	if msg.Kind != f.Header.MsgType {
		return nil, fmt.Errorf("frame type %s does not match body kind %s", f.Header.MsgType, msg.Kind)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
