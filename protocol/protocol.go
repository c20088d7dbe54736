// Package protocol implements the binary frame format every tunnel-rpc message travels in.
//
// A frame is a fixed-size 18-byte header followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that many bytes, so
// several frames can be concatenated into one long-poll response body and split again.
//
// Frame format:
//
//	0      3  4  5  6         10        14        18
//	┌──────┬──┬──┬──┬─────────┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │  route  │ bodyLen │    body ...    │
//	│ trp  │01│  │  │ uint32  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴─────────┴───────────────┘
//
// route is a hash of the invocation id. Receivers use it to keep all frames of one
// invocation on the same dispatch worker.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic number bytes: "trp" (tunnel-rpc protocol).
const (
	MagicNumber byte   = 0x74 // 't'
	MagicByte2  byte   = 0x72 // 'r'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 18 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (route) + 4 (bodyLen)
	MaxBodyLen  uint32 = 64 << 20
)

// MsgType identifies the kind of message carried in the body.
type MsgType byte

const (
	MsgTypeInvoke          MsgType = 1 // Client → Server: start an invocation
	MsgTypeCancel          MsgType = 2 // Client → Server: cooperative cancel
	MsgTypeInterimResponse MsgType = 3 // Client → Server: answer to an interim request
	MsgTypeProgress        MsgType = 4 // Server → Client: progress snapshot
	MsgTypeInterimRequest  MsgType = 5 // Server → Client: question or stream operation
	MsgTypeResult          MsgType = 6 // Server → Client: final result
	MsgTypeException       MsgType = 7 // Server → Client: final failure
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeInvoke:
		return "invoke"
	case MsgTypeCancel:
		return "cancel"
	case MsgTypeInterimResponse:
		return "interim-response"
	case MsgTypeProgress:
		return "progress"
	case MsgTypeInterimRequest:
		return "interim-request"
	case MsgTypeResult:
		return "result"
	case MsgTypeException:
		return "exception"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeZstd   byte = 2
)

// ErrInvalidMagic is returned by Decode when the first bytes are not a tunnel-rpc frame.
var ErrInvalidMagic = errors.New("invalid magic number")

// Header represents the fixed 18-byte frame header.
type Header struct {
	CodecType byte    // Serialization format of the body
	MsgType   MsgType // Message kind
	Seq       uint32  // Per-sender sequence number
	Route     uint32  // Hash of the invocation id, see RouteKey
	BodyLen   uint32  // Body length in bytes
}

// Frame is a decoded header together with its body.
type Frame struct {
	Header Header
	Body   []byte
}

// RouteKey hashes an invocation id into the header's route field.
func RouteKey(id string) uint32 {
	return crc32.ChecksumIEEE([]byte(id))
}

// Encode writes a complete frame (header + body) to w.
// The caller must serialize writes if multiple goroutines share the same writer.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.Route)
	binary.BigEndian.PutUint32(buf[14:18], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body size.
// A clean io.EOF is returned only when r is exhausted exactly at a frame boundary.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] > CodecTypeZstd {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType < MsgTypeInvoke || msgType > MsgTypeException {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	route := binary.BigEndian.Uint32(headerBuf[10:14])
	bodyLen := binary.BigEndian.Uint32(headerBuf[14:18])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		Route:     route,
		BodyLen:   bodyLen,
	}, body, nil
}

// Marshal returns the frame in its wire form.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(f.Body))
	// bytes.Buffer writes never fail.
	_ = Encode(&buf, &f.Header, f.Body)
	return buf.Bytes()
}

// ReadFrames decodes frames from r until it is exhausted. An empty reader yields no frames.
func ReadFrames(r io.Reader) ([]*Frame, error) {
	var frames []*Frame
	for {
		h, body, err := Decode(r)
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		h.BodyLen = uint32(len(body))
		frames = append(frames, &Frame{Header: *h, Body: body})
	}
}
