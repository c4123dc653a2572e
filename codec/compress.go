package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Snappy wraps another codec and compresses its output with Snappy.
// Fast with reasonable compression ratios. Good default for values
// that are large enough to be worth compressing.
type Snappy[T any] struct {
	Inner Codec[T]
}

func (c Snappy[T]) Marshal(v T) ([]byte, error) {
	raw, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (c Snappy[T]) Unmarshal(data []byte) (T, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("codec: snappy decode: %w", err)
	}
	return c.Inner.Unmarshal(raw)
}

// S2 wraps another codec and compresses its output with S2, which is
// faster than Snappy with better ratios on most data.
type S2[T any] struct {
	Inner Codec[T]
}

func (c S2[T]) Marshal(v T) ([]byte, error) {
	raw, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

func (c S2[T]) Unmarshal(data []byte) (T, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("codec: s2 decode: %w", err)
	}
	return c.Inner.Unmarshal(raw)
}

// Zstd wraps another codec and compresses its output with Zstandard.
// Better ratios than Snappy at more CPU cost. Encoder and decoder
// instances are pooled since constructing them is expensive.
type Zstd[T any] struct {
	Inner Codec[T]
}

var (
	zstdEncoders = sync.Pool{
		New: func() any {
			enc, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20))
			if err != nil {
				panic(fmt.Sprintf("codec: create zstd encoder: %v", err))
			}
			return enc
		},
	}
	zstdDecoders = sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(fmt.Sprintf("codec: create zstd decoder: %v", err))
			}
			return dec
		},
	}
)

func (c Zstd[T]) Marshal(v T) ([]byte, error) {
	raw, err := c.Inner.Marshal(v)
	if err != nil {
		return nil, err
	}
	enc := zstdEncoders.Get().(*zstd.Encoder)
	defer zstdEncoders.Put(enc)
	return enc.EncodeAll(raw, nil), nil
}

func (c Zstd[T]) Unmarshal(data []byte) (T, error) {
	dec := zstdDecoders.Get().(*zstd.Decoder)
	defer zstdDecoders.Put(dec)
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("codec: zstd decode: %w", err)
	}
	return c.Inner.Unmarshal(raw)
}
