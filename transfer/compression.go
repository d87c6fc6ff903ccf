package transfer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Chunk compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// ValidCompression reports whether mode is supported.
func ValidCompression(mode string) bool {
	switch normalizeCompression(mode) {
	case CompressionNone, CompressionZstd:
		return true
	default:
		return false
	}
}

func normalizeCompression(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return CompressionNone
	}
	return mode
}

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compressChunk(mode string, data []byte) ([]byte, error) {
	switch normalizeCompression(mode) {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		encoder, _, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", mode)
	}
}

func decompressChunk(mode string, data []byte) ([]byte, error) {
	switch normalizeCompression(mode) {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		_, decoder, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		out, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", mode)
	}
}
