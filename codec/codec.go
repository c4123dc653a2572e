// Package codec defines how typed keys and values are turned into the
// bytes that live inside table files. Every store is parameterized by a
// Pair of codecs, one for the key type and one for the value type, so
// the storage layer never has to know what it is storing.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Codec converts values of a single type to and from a byte slice.
// Marshal must be deterministic for key codecs: the same key always
// produces the same bytes, since filters and index blocks compare
// serialized keys by content.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Pair bundles the key and value codecs a store needs.
type Pair[K any, V any] struct {
	Key   Codec[K]
	Value Codec[V]
}

// Uint64 encodes uint64 values as 8 big-endian bytes.
type Uint64 struct{}

func (Uint64) Marshal(v uint64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf, nil
}

func (Uint64) Unmarshal(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("codec: uint64 needs 8 bytes, got %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Int64 encodes int64 values as 8 big-endian bytes of their two's
// complement representation.
type Int64 struct{}

func (Int64) Marshal(v int64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf, nil
}

func (Int64) Unmarshal(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("codec: int64 needs 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// String encodes strings as their raw UTF-8 bytes.
type String struct{}

func (String) Marshal(v string) ([]byte, error) {
	return []byte(v), nil
}

func (String) Unmarshal(data []byte) (string, error) {
	return string(data), nil
}

// Bytes passes byte slices through unchanged. Unmarshal copies so the
// caller never aliases a read buffer that gets reused.
type Bytes struct{}

func (Bytes) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Unmarshal(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
