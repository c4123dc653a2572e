package sstable

import (
	"bufio"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
)

// DataIter scans a run's data file sequentially, yielding entries in
// key order. It holds one file descriptor until closed.
//
// Usage follows the scanner pattern:
//
//	it, _ := table.Iter()
//	defer it.Close()
//	for it.Next() {
//		e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
type DataIter[K cmp.Ordered, V any] struct {
	f      *os.File
	r      *bufio.Reader
	codecs codec.Pair[K, V]
	curr   entry.Entry[K, V]
	err    error
	done   bool
}

// Iter opens a sequential scan over every entry in the run, including
// tombstones.
func (t *SSTable[K, V]) Iter() (*DataIter[K, V], error) {
	f, err := os.Open(filepath.Join(t.path, dataFileName))
	if err != nil {
		return nil, fmt.Errorf("sstable: open data: %w", err)
	}
	return &DataIter[K, V]{
		f:      f,
		r:      bufio.NewReader(f),
		codecs: t.codecs,
	}, nil
}

// Next advances to the next entry. It returns false at the end of the
// run or on error; check Err to tell the two apart.
func (it *DataIter[K, V]) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	var head [8]byte
	if _, err := io.ReadFull(it.r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			it.done = true
		} else {
			it.err = fmt.Errorf("%w: read frame length: %v", entry.ErrCorruption, err)
		}
		return false
	}
	frame := make([]byte, binary.BigEndian.Uint64(head[:]))
	if _, err := io.ReadFull(it.r, frame); err != nil {
		it.err = fmt.Errorf("%w: truncated frame: %v", entry.ErrCorruption, err)
		return false
	}
	e, err := entry.Decode(frame, it.codecs)
	if err != nil {
		it.err = err
		return false
	}
	it.curr = e
	return true
}

// Entry returns the entry positioned by the last successful Next.
func (it *DataIter[K, V]) Entry() entry.Entry[K, V] { return it.curr }

// Err returns the first error the scan hit, if any.
func (it *DataIter[K, V]) Err() error { return it.err }

// Close releases the underlying file.
func (it *DataIter[K, V]) Close() error {
	it.done = true
	return it.f.Close()
}
