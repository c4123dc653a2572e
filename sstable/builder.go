package sstable

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/lsmkv/lsmkv/bloom"
	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
)

// filterFPRate is the bloom filter false positive rate used for every
// run. 5% keeps filters small; a false positive only costs one index
// block read.
const filterFPRate = 0.05

// Builder streams sorted entries into a new run directory. Entries
// must arrive in strictly ascending key order; the builder trusts its
// caller on that since every producer (buffer flush, merge) already
// yields sorted, deduplicated entries.
//
// The index block size is ceil(sqrt(entryCountHint)), which balances
// sparse index size against block size for point reads. The hint does
// not have to be exact.
type Builder[K cmp.Ordered, V any] struct {
	path   string
	codecs codec.Pair[K, V]

	dataFile  *os.File
	indexFile *os.File
	dataW     *bufio.Writer
	indexW    *bufio.Writer

	summary   Summary[K]
	filter    *bloom.Filter
	blockSize int
	block     []IndexEntry[K]

	dataOffset  uint64
	indexOffset uint64
}

// NewBuilder creates a fresh run directory under dir, named by a
// random UUID so concurrent flushes and compactions never collide.
func NewBuilder[K cmp.Ordered, V any](dir string, entryCountHint int, codecs codec.Pair[K, V]) (*Builder[K, V], error) {
	path := filepath.Join(dir, uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("sstable: create run dir: %w", err)
	}
	dataFile, err := os.Create(filepath.Join(path, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: create data file: %w", err)
	}
	indexFile, err := os.Create(filepath.Join(path, indexFileName))
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("sstable: create index file: %w", err)
	}

	if entryCountHint < 1 {
		entryCountHint = 1
	}
	blockSize := int(math.Ceil(math.Sqrt(float64(entryCountHint))))

	return &Builder[K, V]{
		path:      path,
		codecs:    codecs,
		dataFile:  dataFile,
		indexFile: indexFile,
		dataW:     bufio.NewWriter(dataFile),
		indexW:    bufio.NewWriter(indexFile),
		filter:    bloom.New(entryCountHint, filterFPRate),
		blockSize: blockSize,
		block:     make([]IndexEntry[K], 0, blockSize),
	}, nil
}

// Empty reports whether nothing has been appended yet.
func (b *Builder[K, V]) Empty() bool { return b.summary.EntryCount == 0 }

// Size returns the bytes written to data and index files so far.
func (b *Builder[K, V]) Size() uint64 { return b.summary.SizeBytes }

// Append adds the next entry. Keys must be strictly greater than the
// previously appended key.
func (b *Builder[K, V]) Append(key K, value entry.VersionedValue[V]) error {
	rawKey, err := b.codecs.Key.Marshal(key)
	if err != nil {
		return fmt.Errorf("sstable: marshal key: %w", err)
	}
	frame, err := entry.Encode(entry.Entry[K, V]{Key: key, Value: value}, b.codecs)
	if err != nil {
		return err
	}

	if b.summary.EntryCount == 0 {
		b.summary.MinKey = key
		b.summary.MinLogicalTime = value.LogicalTime
		b.summary.MaxLogicalTime = value.LogicalTime
	}
	b.summary.MaxKey = key
	b.summary.MinLogicalTime = min(b.summary.MinLogicalTime, value.LogicalTime)
	b.summary.MaxLogicalTime = max(b.summary.MaxLogicalTime, value.LogicalTime)
	b.summary.EntryCount++
	if value.Tombstone {
		b.summary.TombstoneCount++
	}
	b.filter.Add(rawKey)

	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(len(frame)))
	if _, err := b.dataW.Write(head[:]); err != nil {
		return fmt.Errorf("sstable: write data: %w", err)
	}
	if _, err := b.dataW.Write(frame); err != nil {
		return fmt.Errorf("sstable: write data: %w", err)
	}

	b.block = append(b.block, IndexEntry[K]{Key: key, Offset: b.dataOffset})
	b.dataOffset += 8 + uint64(len(frame))
	b.summary.SizeBytes += 8 + uint64(len(frame))

	if len(b.block) >= b.blockSize {
		return b.flushIndexBlock()
	}
	return nil
}

func (b *Builder[K, V]) flushIndexBlock() error {
	if len(b.block) == 0 {
		return nil
	}
	raw, err := encodeIndexBlock(b.block, b.codecs.Key)
	if err != nil {
		return err
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(len(raw)))
	if _, err := b.indexW.Write(head[:]); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}
	if _, err := b.indexW.Write(raw); err != nil {
		return fmt.Errorf("sstable: write index: %w", err)
	}

	b.summary.SparseIndex = append(b.summary.SparseIndex, IndexEntry[K]{
		Key:    b.block[0].Key,
		Offset: b.indexOffset,
	})
	b.indexOffset += 8 + uint64(len(raw))
	b.summary.SizeBytes += 8 + uint64(len(raw))
	b.block = b.block[:0]
	return nil
}

// Flush finalizes the run and returns its directory path. Flushing an
// empty builder is a programming error and panics: producers check
// for emptiness before building, and a run with no entries has no key
// range to describe.
func (b *Builder[K, V]) Flush() (string, error) {
	if b.Empty() {
		panic("sstable: flush of empty builder")
	}
	if err := b.flushIndexBlock(); err != nil {
		return "", err
	}
	if err := b.closeFile(b.dataW, b.dataFile, "data"); err != nil {
		return "", err
	}
	if err := b.closeFile(b.indexW, b.indexFile, "index"); err != nil {
		return "", err
	}
	if err := writeSummary(filepath.Join(b.path, summaryFileName), b.summary, b.codecs.Key); err != nil {
		return "", err
	}
	raw, err := b.filter.MarshalBinary()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(b.path, filterFileName), raw, 0o644); err != nil {
		return "", fmt.Errorf("sstable: write filter: %w", err)
	}
	return b.path, nil
}

// Abandon discards a partially built run, removing its directory.
// Used when a compaction fails midway.
func (b *Builder[K, V]) Abandon() error {
	b.dataFile.Close()
	b.indexFile.Close()
	return os.RemoveAll(b.path)
}

func (b *Builder[K, V]) closeFile(w *bufio.Writer, f *os.File, name string) error {
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("sstable: flush %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sstable: sync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sstable: close %s: %w", name, err)
	}
	return nil
}
