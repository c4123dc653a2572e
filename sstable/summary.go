package sstable

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
)

// IndexEntry pairs a key with a file offset. In an index block the
// offset points into data.dat; in the sparse index it points at the
// start of an index block inside index.dat.
type IndexEntry[K cmp.Ordered] struct {
	Key    K
	Offset uint64
}

// Summary is the per-run metadata kept in memory while a run is open.
// It is enough to reject most point reads (key range, counts) and to
// route the rest to a single index block.
type Summary[K cmp.Ordered] struct {
	EntryCount     int
	TombstoneCount int
	SizeBytes      uint64
	MinKey         K
	MaxKey         K
	MinLogicalTime uint64
	MaxLogicalTime uint64
	SparseIndex    []IndexEntry[K]
}

// Live returns the number of non-tombstone entries.
func (s Summary[K]) Live() int {
	return s.EntryCount - s.TombstoneCount
}

// Overlaps reports whether the run's key range intersects other's.
func (s Summary[K]) Overlaps(other Summary[K]) bool {
	return max(s.MinKey, other.MinKey) <= min(s.MaxKey, other.MaxKey)
}

// floorBlock returns the index.dat offset of the block that could
// contain key: the last block whose first key is <= key.
func (s Summary[K]) floorBlock(key K) (uint64, bool) {
	i := sort.Search(len(s.SparseIndex), func(i int) bool { return s.SparseIndex[i].Key > key })
	if i == 0 {
		return 0, false
	}
	return s.SparseIndex[i-1].Offset, true
}

// Summary file layout: a fixed 32-byte header of counts and logical
// times, then the length-prefixed min and max keys, then the sparse
// index.
func writeSummary[K cmp.Ordered](path string, s Summary[K], kc codec.Codec[K]) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sstable: create summary: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var header [32]byte
	binary.BigEndian.PutUint32(header[0:], uint32(s.EntryCount))
	binary.BigEndian.PutUint32(header[4:], uint32(s.TombstoneCount))
	binary.BigEndian.PutUint64(header[8:], s.SizeBytes)
	binary.BigEndian.PutUint64(header[16:], s.MinLogicalTime)
	binary.BigEndian.PutUint64(header[24:], s.MaxLogicalTime)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("sstable: write summary: %w", err)
	}

	if err := writePrefixedKey(w, s.MinKey, kc); err != nil {
		return err
	}
	if err := writePrefixedKey(w, s.MaxKey, kc); err != nil {
		return err
	}

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(s.SparseIndex)))
	if _, err := w.Write(count[:]); err != nil {
		return fmt.Errorf("sstable: write summary: %w", err)
	}
	for _, ref := range s.SparseIndex {
		if err := writePrefixedKey(w, ref.Key, kc); err != nil {
			return err
		}
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], ref.Offset)
		if _, err := w.Write(off[:]); err != nil {
			return fmt.Errorf("sstable: write summary: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("sstable: write summary: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sstable: sync summary: %w", err)
	}
	return nil
}

func readSummary[K cmp.Ordered](path string, kc codec.Codec[K]) (Summary[K], error) {
	var s Summary[K]
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("sstable: read summary: %w", err)
	}
	r := &sliceReader{data: raw}

	header, err := r.take(32)
	if err != nil {
		return s, err
	}
	s.EntryCount = int(binary.BigEndian.Uint32(header[0:]))
	s.TombstoneCount = int(binary.BigEndian.Uint32(header[4:]))
	s.SizeBytes = binary.BigEndian.Uint64(header[8:])
	s.MinLogicalTime = binary.BigEndian.Uint64(header[16:])
	s.MaxLogicalTime = binary.BigEndian.Uint64(header[24:])

	if s.MinKey, err = readPrefixedKey(r, kc); err != nil {
		return s, err
	}
	if s.MaxKey, err = readPrefixedKey(r, kc); err != nil {
		return s, err
	}

	countRaw, err := r.take(4)
	if err != nil {
		return s, err
	}
	count := binary.BigEndian.Uint32(countRaw)
	s.SparseIndex = make([]IndexEntry[K], 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readPrefixedKey(r, kc)
		if err != nil {
			return s, err
		}
		offRaw, err := r.take(8)
		if err != nil {
			return s, err
		}
		s.SparseIndex = append(s.SparseIndex, IndexEntry[K]{Key: key, Offset: binary.BigEndian.Uint64(offRaw)})
	}
	return s, nil
}

// Index block layout: an entry count followed by length-prefixed keys,
// each with its data.dat offset.
func encodeIndexBlock[K cmp.Ordered](block []IndexEntry[K], kc codec.Codec[K]) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(block)))
	for _, e := range block {
		key, err := kc.Marshal(e.Key)
		if err != nil {
			return nil, fmt.Errorf("sstable: marshal key: %w", err)
		}
		var head [4]byte
		binary.BigEndian.PutUint32(head[:], uint32(len(key)))
		buf = append(buf, head[:]...)
		buf = append(buf, key...)
		var off [8]byte
		binary.BigEndian.PutUint64(off[:], e.Offset)
		buf = append(buf, off[:]...)
	}
	return buf, nil
}

// readIndexBlock reads the length-prefixed index block starting at the
// given offset of the run's index file.
func readIndexBlock[K cmp.Ordered](path string, offset uint64, kc codec.Codec[K]) ([]IndexEntry[K], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open index: %w", err)
	}
	defer f.Close()

	raw, err := readPrefixedAt(f, offset)
	if err != nil {
		return nil, err
	}
	r := &sliceReader{data: raw}
	countRaw, err := r.take(4)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(countRaw)
	block := make([]IndexEntry[K], 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readPrefixedKey(r, kc)
		if err != nil {
			return nil, err
		}
		offRaw, err := r.take(8)
		if err != nil {
			return nil, err
		}
		block = append(block, IndexEntry[K]{Key: key, Offset: binary.BigEndian.Uint64(offRaw)})
	}
	return block, nil
}

// readFrameAt reads the length-prefixed entry frame starting at the
// given offset of the run's data file.
func readFrameAt(path string, offset uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open data: %w", err)
	}
	defer f.Close()
	return readPrefixedAt(f, offset)
}

func readPrefixedAt(f *os.File, offset uint64) ([]byte, error) {
	var head [8]byte
	if _, err := f.ReadAt(head[:], int64(offset)); err != nil {
		return nil, fmt.Errorf("%w: read length prefix: %v", entry.ErrCorruption, err)
	}
	length := binary.BigEndian.Uint64(head[:])
	raw := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(offset)+8, int64(length)), raw); err != nil {
		return nil, fmt.Errorf("%w: short read at offset %d: %v", entry.ErrCorruption, offset, err)
	}
	return raw, nil
}

func writePrefixedKey[K cmp.Ordered](w *bufio.Writer, key K, kc codec.Codec[K]) error {
	raw, err := kc.Marshal(key)
	if err != nil {
		return fmt.Errorf("sstable: marshal key: %w", err)
	}
	var head [4]byte
	binary.BigEndian.PutUint32(head[:], uint32(len(raw)))
	if _, err := w.Write(head[:]); err != nil {
		return fmt.Errorf("sstable: write summary: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("sstable: write summary: %w", err)
	}
	return nil
}

func readPrefixedKey[K cmp.Ordered](r *sliceReader, kc codec.Codec[K]) (K, error) {
	var zero K
	head, err := r.take(4)
	if err != nil {
		return zero, err
	}
	raw, err := r.take(int(binary.BigEndian.Uint32(head)))
	if err != nil {
		return zero, err
	}
	key, err := kc.Unmarshal(raw)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", entry.ErrCorruption, err)
	}
	return key, nil
}

// sliceReader walks a byte slice with bounds checking, mapping
// overruns to corruption errors.
type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", entry.ErrCorruption, n, r.pos, len(r.data)-r.pos)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}
