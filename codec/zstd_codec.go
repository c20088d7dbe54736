package codec

import (
	"encoding/json"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdCodec is JSON compressed with zstd. Worth it for large results and stream chunks
// on slow links.
type ZstdCodec struct{}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// EncodeAll and DecodeAll are safe for concurrent use, so one pair serves every caller.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func (c *ZstdCodec) Encode(v any) ([]byte, error) {
	enc, _, err := zstdCoders()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func (c *ZstdCodec) Decode(data []byte, v any) error {
	_, dec, err := zstdCoders()
	if err != nil {
		return err
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (c *ZstdCodec) Type() CodecType {
	return CodecTypeZstd
}
