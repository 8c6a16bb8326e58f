package snapshot

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// compressor compresses and decompresses snapshot payloads. The zstd
// encoder and decoder are shared across calls under the mutex; snappy
// uses the stateless block format.
type compressor struct {
	mu          sync.Mutex
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// newCompressor creates a compressor with initialized codecs.
func newCompressor() (*compressor, error) {
	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &compressor{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Compress compresses data using the specified codec.
func (c *compressor) Compress(data []byte, codec Codec) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		return snappy.Encode(nil, data), nil

	case CodecZstd:
		return c.zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// Decompress decompresses data using the specified codec.
func (c *compressor) Decompress(data []byte, codec Codec) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch codec {
	case CodecNone:
		return data, nil

	case CodecSnappy:
		result, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruptSnapshot, err)
		}
		return result, nil

	case CodecZstd:
		result, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptSnapshot, err)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// Close releases the codec resources.
func (c *compressor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
		c.zstdEncoder = nil
	}

	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}

	return nil
}
