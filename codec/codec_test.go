package codec

import (
	"bytes"
	"strings"
	"testing"

	"tunnel-rpc/message"
	"tunnel-rpc/protocol"
)

func sampleMessage() *message.Message {
	desc := "hashing"
	total := int64(10)
	return &message.Message{
		Kind:         protocol.MsgTypeInvoke,
		InvocationID: "inv-42",
		Request: &message.InvocationRequest{
			ServiceID:  "files",
			Method:     "Checksum",
			ParamTypes: []string{message.DescExecution, message.DescStream},
			Args: []message.Argument{
				{Kind: message.ArgNull},
				{Kind: message.ArgStream, Slots: []int{0}},
			},
		},
		Progress: &message.ProgressNode{TotalSteps: &total, Worked: 3, Description: &desc},
		Metadata: map[string]string{"traceparent": "00-abc"},
	}
}

func TestCodecsThroughFrames(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeZstd} {
		c := GetCodec(ct)
		if c.Type() != ct {
			t.Fatalf("GetCodec(%d) returned codec of type %d", ct, c.Type())
		}

		original := sampleMessage()
		frame, err := EncodeMessage(c, 7, original)
		if err != nil {
			t.Fatalf("codec %d: encode failed: %v", ct, err)
		}
		if frame.Header.Route != original.InvocationID.Route() {
			t.Fatalf("codec %d: frame not routed by invocation id", ct)
		}

		// Through the wire form, as a transport would see it.
		frames, err := protocol.ReadFrames(bytes.NewReader(frame.Marshal()))
		if err != nil || len(frames) != 1 {
			t.Fatalf("codec %d: ReadFrames: %d frames, %v", ct, len(frames), err)
		}

		decoded, err := DecodeMessage(frames[0])
		if err != nil {
			t.Fatalf("codec %d: decode failed: %v", ct, err)
		}
		if decoded.Request.Signature() != original.Request.Signature() {
			t.Errorf("codec %d: signature mismatch: %s", ct, decoded.Request.Signature())
		}
		if decoded.Request.Args[1].Slots[0] != 0 || decoded.Request.Args[1].Kind != message.ArgStream {
			t.Errorf("codec %d: stream placeholder lost: %+v", ct, decoded.Request.Args[1])
		}
		if *decoded.Progress.Description != "hashing" || decoded.Metadata["traceparent"] != "00-abc" {
			t.Errorf("codec %d: optional fields lost: %+v", ct, decoded)
		}
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("not a message"); err == nil {
		t.Fatal("expected BinaryCodec to reject non-message values")
	}
}

func TestZstdShrinksRepetitivePayloads(t *testing.T) {
	msg := &message.Message{
		Kind:         protocol.MsgTypeResult,
		InvocationID: "inv-1",
		Result:       []byte(`"` + strings.Repeat("abcdef", 4096) + `"`),
	}
	plain, _ := (&JSONCodec{}).Encode(msg)
	packed, err := (&ZstdCodec{}).Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(plain) {
		t.Fatalf("expected compression: %d >= %d", len(packed), len(plain))
	}
}

func TestDecodeMessageRejectsKindMismatch(t *testing.T) {
	frame, err := EncodeMessage(&JSONCodec{}, 1, &message.Message{Kind: protocol.MsgTypeCancel, InvocationID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	frame.Header.MsgType = protocol.MsgTypeResult
	if _, err := DecodeMessage(frame); err == nil {
		t.Fatal("expected kind mismatch error")
	}
}

func TestParseType(t *testing.T) {
	if ct, ok := ParseType("zstd"); !ok || ct != CodecTypeZstd {
		t.Fatalf("zstd: got %d %v", ct, ok)
	}
	if _, ok := ParseType("xml"); ok {
		t.Fatal("xml should not parse")
	}
}
