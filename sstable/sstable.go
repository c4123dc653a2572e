// Package sstable implements the immutable on-disk runs the store is
// built from. A run is a directory holding four files:
//
//	data.dat    entry frames, each prefixed by a big-endian uint64 length
//	index.dat   index blocks mapping keys to data offsets, length-prefixed
//	summary.dat entry counts, key range, logical time range and the
//	            sparse index over index blocks
//	filter.dat  bloom filter over all serialized keys
//
// Runs are written once by a Builder and never modified. A point read
// touches at most one index block and one data frame; everything else
// is answered from the summary and filter, which live in memory.
package sstable

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lsmkv/lsmkv/bloom"
	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
)

const (
	dataFileName    = "data.dat"
	indexFileName   = "index.dat"
	summaryFileName = "summary.dat"
	filterFileName  = "filter.dat"
)

// SSTable is an open run. The summary and filter are loaded eagerly;
// index and data files are opened per operation so a catalog of many
// runs doesn't pin file descriptors.
type SSTable[K cmp.Ordered, V any] struct {
	path    string
	summary Summary[K]
	filter  *bloom.Filter
	codecs  codec.Pair[K, V]
}

// Open loads the summary and filter of the run stored at path.
func Open[K cmp.Ordered, V any](path string, codecs codec.Pair[K, V]) (*SSTable[K, V], error) {
	summary, err := readSummary[K](filepath.Join(path, summaryFileName), codecs.Key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(path, filterFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: read filter: %w", err)
	}
	filter := &bloom.Filter{}
	if err := filter.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", entry.ErrCorruption, err)
	}
	return &SSTable[K, V]{
		path:    path,
		summary: summary,
		filter:  filter,
		codecs:  codecs,
	}, nil
}

// Path returns the run's directory.
func (t *SSTable[K, V]) Path() string { return t.path }

// Summary returns the run's in-memory metadata.
func (t *SSTable[K, V]) Summary() Summary[K] { return t.summary }

// Get looks up a single key. The second return is false when the run
// holds no record for the key. A tombstone is a successful lookup:
// callers see the deletion rather than falling through to older runs.
func (t *SSTable[K, V]) Get(key K) (entry.VersionedValue[V], bool, error) {
	var zero entry.VersionedValue[V]
	if key < t.summary.MinKey || key > t.summary.MaxKey {
		return zero, false, nil
	}
	raw, err := t.codecs.Key.Marshal(key)
	if err != nil {
		return zero, false, fmt.Errorf("sstable: marshal key: %w", err)
	}
	if !t.filter.Contains(raw) {
		return zero, false, nil
	}

	blockAt, ok := t.summary.floorBlock(key)
	if !ok {
		return zero, false, nil
	}
	block, err := readIndexBlock(filepath.Join(t.path, indexFileName), blockAt, t.codecs.Key)
	if err != nil {
		return zero, false, err
	}

	i := sort.Search(len(block), func(i int) bool { return block[i].Key >= key })
	if i == len(block) || block[i].Key != key {
		return zero, false, nil
	}

	frame, err := readFrameAt(filepath.Join(t.path, dataFileName), block[i].Offset)
	if err != nil {
		return zero, false, err
	}
	e, err := entry.Decode(frame, t.codecs)
	if err != nil {
		return zero, false, err
	}
	return e.Value, true, nil
}

// Remove deletes the run's directory from disk.
func (t *SSTable[K, V]) Remove() error {
	return os.RemoveAll(t.path)
}
