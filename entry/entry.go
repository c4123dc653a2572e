// Package entry defines the versioned key-value record that flows
// between the write buffer, table files and merge iterators, plus the
// frame format those records are stored in on disk.
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lsmkv/lsmkv/codec"
)

// ErrCorruption indicates a frame or file that doesn't decode. It
// usually means a truncated write or on-disk damage.
var ErrCorruption = errors.New("corrupted entry data")

// VersionedValue is a value together with its version metadata. A
// tombstone records a deletion: Value holds the zero value and only
// LogicalTime is meaningful.
type VersionedValue[V any] struct {
	Value       V
	Tombstone   bool
	LogicalTime uint64
}

// Newer reports whether v supersedes other. Logical times are unique
// per store so there are no ties to break.
func (v VersionedValue[V]) Newer(other VersionedValue[V]) bool {
	return v.LogicalTime > other.LogicalTime
}

// Entry pairs a key with one versioned value.
type Entry[K any, V any] struct {
	Key   K
	Value VersionedValue[V]
}

// Frame layout:
//
//	keyLen      uint32, big-endian
//	key         keyLen bytes
//	tombstone   1 byte, 0 or 1
//	logicalTime uint64, big-endian
//	value       remaining bytes, absent for tombstones
//
// The frame itself is length-prefixed by the data file, so the value
// needs no length of its own.
const frameHeaderSize = 4 + 1 + 8

// Encode serializes an entry into a frame.
func Encode[K any, V any](e Entry[K, V], codecs codec.Pair[K, V]) ([]byte, error) {
	key, err := codecs.Key.Marshal(e.Key)
	if err != nil {
		return nil, fmt.Errorf("entry: marshal key: %w", err)
	}
	var value []byte
	if !e.Value.Tombstone {
		value, err = codecs.Value.Marshal(e.Value.Value)
		if err != nil {
			return nil, fmt.Errorf("entry: marshal value: %w", err)
		}
	}

	buf := make([]byte, frameHeaderSize+len(key), frameHeaderSize+len(key)+len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(key)))
	copy(buf[4:], key)
	if e.Value.Tombstone {
		buf[4+len(key)] = 1
	}
	binary.BigEndian.PutUint64(buf[4+len(key)+1:], e.Value.LogicalTime)
	return append(buf, value...), nil
}

// Decode parses a frame produced by Encode.
func Decode[K any, V any](frame []byte, codecs codec.Pair[K, V]) (Entry[K, V], error) {
	var e Entry[K, V]
	if len(frame) < frameHeaderSize {
		return e, fmt.Errorf("%w: frame too short (%d bytes)", ErrCorruption, len(frame))
	}
	keyLen := binary.BigEndian.Uint32(frame)
	if uint64(len(frame)) < uint64(frameHeaderSize)+uint64(keyLen) {
		return e, fmt.Errorf("%w: key length %d exceeds frame", ErrCorruption, keyLen)
	}

	key, err := codecs.Key.Unmarshal(frame[4 : 4+keyLen])
	if err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	e.Key = key

	rest := frame[4+keyLen:]
	switch rest[0] {
	case 0:
	case 1:
		e.Value.Tombstone = true
	default:
		return e, fmt.Errorf("%w: invalid tombstone byte %#x", ErrCorruption, rest[0])
	}
	e.Value.LogicalTime = binary.BigEndian.Uint64(rest[1:9])

	if e.Value.Tombstone {
		if len(rest) > 9 {
			return e, fmt.Errorf("%w: tombstone frame carries a value", ErrCorruption)
		}
		return e, nil
	}
	e.Value.Value, err = codecs.Value.Unmarshal(rest[9:])
	if err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return e, nil
}
