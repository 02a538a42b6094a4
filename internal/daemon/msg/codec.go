package msg

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored payload compression values.
const (
	compressionNone = 0
	compressionZstd = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msg: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msg: init zstd decoder: %v", err))
	}
}

// encodePayload compresses payloads at rest once they cross minBytes.
// The wire format is untouched; only the stored blob is compressed.
func encodePayload(data []byte, minBytes int) ([]byte, int) {
	if minBytes <= 0 || len(data) < minBytes {
		return data, compressionNone
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), compressionZstd
}

// decodePayload undoes encodePayload.
func decodePayload(data []byte, compression int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil
	case compressionZstd:
		return decoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("msg: unsupported compression: %d", compression)
	}
}
