// Package compression encodes stored payload blobs with zstd.
package compression

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MinSize is the smallest blob worth compressing
const MinSize = 128

const (
	markerRaw  byte = 0
	markerZstd byte = 1
)

// Codec compresses blobs larger than MinSize. Every encoded blob carries a
// one byte marker so raw and compressed values can share a column.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCodec creates a codec; level 1 is fastest, 3 compresses best
func NewCodec(level int, enabled bool) (*Codec, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	if !enabled {
		return &Codec{decoder: decoder}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	return &Codec{encoder: encoder, decoder: decoder, enabled: true}, nil
}

// Encode returns the stored form of data
func (c *Codec) Encode(data []byte) []byte {
	if c.enabled && len(data) >= MinSize {
		compressed := c.encoder.EncodeAll(data, []byte{markerZstd})
		// keep the raw form when compression does not pay off
		if len(compressed) < len(data)+1 {
			return compressed
		}
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, markerRaw)
	return append(out, data...)
}

// Decode reverses Encode. Blobs without a marker are rejected.
func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty blob")
	}
	switch stored[0] {
	case markerRaw:
		return stored[1:], nil
	case markerZstd:
		out, err := c.decoder.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress blob: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown blob marker %d", stored[0])
}

// Close releases encoder and decoder resources
func (c *Codec) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
