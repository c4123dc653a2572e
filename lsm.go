// Package lsmkv is an embeddable, typed, log-structured merge-tree
// key-value store. Writes land in an in-memory buffer and are flushed
// as immutable sorted runs once the buffer exceeds its size limit; a
// pluggable compaction strategy merges runs in the background to keep
// reads cheap and reclaim space from overwritten and deleted keys.
//
// Basic usage:
//
//	codecs := codec.Pair[uint64, string]{Key: codec.Uint64{}, Value: codec.String{}}
//	strategy, err := lsmkv.NewSizeTiered(lsmkv.DefaultSizeTieredOptions("/tmp/store"), codecs)
//	if err != nil { ... }
//	m := lsmkv.New(strategy, codecs)
//	defer m.Close()
//
//	if err := m.Insert(1, "one"); err != nil { ... }
//	v, ok, err := m.Get(1)
//
// An LsmMap is not safe for concurrent use. Compaction runs on a
// background goroutine the map coordinates internally; everything
// else is the caller's single goroutine.
package lsmkv

import (
	"cmp"
	"os"

	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
	"github.com/lsmkv/lsmkv/sstable"
)

// LsmMap is an ordered map from K to V backed by a compaction
// strategy. Every mutation is stamped with a logical time drawn from
// the strategy's persistent clock, so newer writes always win over
// older ones no matter when their runs get merged.
type LsmMap[K cmp.Ordered, V any] struct {
	strategy CompactionStrategy[K, V]
	codecs   codec.Pair[K, V]
	buf      *buffer[K, V]
}

// New wraps a strategy in a map. The codecs must be the same pair the
// strategy was opened with.
func New[K cmp.Ordered, V any](strategy CompactionStrategy[K, V], codecs codec.Pair[K, V]) *LsmMap[K, V] {
	return &LsmMap[K, V]{
		strategy: strategy,
		codecs:   codecs,
		buf:      newBuffer[K, V](),
	}
}

// Insert sets the value for key, overwriting any previous value.
func (m *LsmMap[K, V]) Insert(key K, value V) error {
	t, err := m.strategy.NextLogicalTime()
	if err != nil {
		return err
	}
	return m.put(key, entry.VersionedValue[V]{Value: value, LogicalTime: t})
}

// Remove deletes key by writing a tombstone. Removing an absent key
// still writes a tombstone; the store has no cheap way to know the
// key was never there.
func (m *LsmMap[K, V]) Remove(key K) error {
	t, err := m.strategy.NextLogicalTime()
	if err != nil {
		return err
	}
	return m.put(key, entry.VersionedValue[V]{Tombstone: true, LogicalTime: t})
}

func (m *LsmMap[K, V]) put(key K, value entry.VersionedValue[V]) error {
	frame, err := entry.Encode(entry.Entry[K, V]{Key: key, Value: value}, m.codecs)
	if err != nil {
		return err
	}
	m.buf.set(key, value, 8+uint64(len(frame)))
	if m.buf.size > m.strategy.MaxInMemorySize() {
		return m.flushBuffer()
	}
	return nil
}

// Get returns the current value for key. The bool is false when the
// key is absent or deleted.
func (m *LsmMap[K, V]) Get(key K) (V, bool, error) {
	var zero V
	if v, ok := m.buf.get(key); ok {
		if v.Tombstone {
			return zero, false, nil
		}
		return v.Value, true, nil
	}
	v, ok, err := m.strategy.Get(key)
	if err != nil || !ok || v.Tombstone {
		return zero, false, err
	}
	return v.Value, true, nil
}

// Contains reports whether key has a live value.
func (m *LsmMap[K, V]) Contains(key K) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

// Min returns the smallest live key across the buffer and all runs.
func (m *LsmMap[K, V]) Min() (K, bool, error) {
	var bufMin K
	bufFound := false
	m.buf.ascend(func(key K, value entry.VersionedValue[V]) bool {
		if value.Tombstone {
			return true
		}
		bufMin = key
		bufFound = true
		return false
	})
	diskMin, diskFound, err := m.strategy.Min()
	if err != nil {
		var zero K
		return zero, false, err
	}
	switch {
	case bufFound && diskFound:
		return min(bufMin, diskMin), true, nil
	case bufFound:
		return bufMin, true, nil
	default:
		return diskMin, diskFound, nil
	}
}

// Max returns the largest live key across the buffer and all runs.
func (m *LsmMap[K, V]) Max() (K, bool, error) {
	var bufMax K
	bufFound := false
	m.buf.descend(func(key K, value entry.VersionedValue[V]) bool {
		if value.Tombstone {
			return true
		}
		bufMax = key
		bufFound = true
		return false
	})
	diskMax, diskFound, err := m.strategy.Max()
	if err != nil {
		var zero K
		return zero, false, err
	}
	switch {
	case bufFound && diskFound:
		return max(bufMax, diskMax), true, nil
	case bufFound:
		return bufMax, true, nil
	default:
		return diskMax, diskFound, nil
	}
}

// Len returns the exact number of live keys. It flushes the buffer
// and scans every run, so it is expensive; prefer LenHint when an
// estimate will do.
func (m *LsmMap[K, V]) Len() (int, error) {
	if err := m.flushBuffer(); err != nil {
		return 0, err
	}
	return m.strategy.Len()
}

// LenHint returns a cheap upper bound on Len.
func (m *LsmMap[K, V]) LenHint() (int, error) {
	n, err := m.strategy.LenHint()
	if err != nil {
		return 0, err
	}
	return n + m.buf.len(), nil
}

// Iter returns an iterator over all live key-value pairs in ascending
// key order. The buffer is flushed first so the iterator sees a
// single consistent on-disk view. Close the iterator promptly: it
// pins the current set of runs.
func (m *LsmMap[K, V]) Iter() (Iterator[K, V], error) {
	if err := m.flushBuffer(); err != nil {
		return nil, err
	}
	return m.strategy.Iter()
}

// Flush pushes the buffer to disk and waits for any background
// compaction to finish and publish.
func (m *LsmMap[K, V]) Flush() error {
	if err := m.flushBuffer(); err != nil {
		return err
	}
	return m.strategy.Flush()
}

// Clear drops every key, in memory and on disk.
func (m *LsmMap[K, V]) Clear() error {
	m.buf.reset()
	return m.strategy.Clear()
}

// Close flushes outstanding writes and closes the strategy. The map
// must not be used afterwards.
func (m *LsmMap[K, V]) Close() error {
	if err := m.Flush(); err != nil {
		m.strategy.Close()
		return err
	}
	return m.strategy.Close()
}

// flushBuffer drains the buffer into a new run, tombstones included,
// and hands it to the strategy. No-op when the buffer is empty.
func (m *LsmMap[K, V]) flushBuffer() error {
	if m.buf.len() == 0 {
		return nil
	}
	builder, err := sstable.NewBuilder(m.strategy.Path(), m.buf.len(), m.codecs)
	if err != nil {
		return err
	}
	var appendErr error
	m.buf.ascend(func(key K, value entry.VersionedValue[V]) bool {
		appendErr = builder.Append(key, value)
		return appendErr == nil
	})
	if appendErr != nil {
		builder.Abandon()
		return appendErr
	}
	path, err := builder.Flush()
	if err != nil {
		builder.Abandon()
		return err
	}
	run, err := sstable.Open(path, m.codecs)
	if err != nil {
		os.RemoveAll(path)
		return err
	}
	m.buf.reset()
	return m.strategy.TryCompact(run)
}
