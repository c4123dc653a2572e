package lsmkv

import (
	"cmp"

	"github.com/lsmkv/lsmkv/entry"
)

// Iterator walks key-value pairs in ascending key order. Deleted keys
// are never yielded.
//
//	it, err := m.Iter()
//	if err != nil { ... }
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
//
// An open iterator pins the store's current set of runs: compaction
// results are not swapped in until every iterator is closed, so the
// iteration sees a stable snapshot. Forgetting Close leaks files and
// stalls catalog swaps.
type Iterator[K cmp.Ordered, V any] interface {
	// Next advances the iterator. It returns false at the end or on
	// error; check Err afterwards.
	Next() bool

	// Key returns the current key.
	Key() K

	// Value returns the current value.
	Value() V

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases the iterator's files and its pin on the run
	// catalog.
	Close() error
}

// catalogIter adapts a merge over on-disk runs to the public Iterator,
// dropping tombstones and releasing the catalog pin on Close.
type catalogIter[K cmp.Ordered, V any] struct {
	merge   *mergeIterator[K, V]
	release func()
	curr    entry.Entry[K, V]
	closed  bool
}

func (it *catalogIter[K, V]) Next() bool {
	for it.merge.Next() {
		e := it.merge.Entry()
		if e.Value.Tombstone {
			continue
		}
		it.curr = e
		return true
	}
	return false
}

func (it *catalogIter[K, V]) Key() K     { return it.curr.Key }
func (it *catalogIter[K, V]) Value() V   { return it.curr.Value.Value }
func (it *catalogIter[K, V]) Err() error { return it.merge.Err() }

func (it *catalogIter[K, V]) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.release()
	return it.merge.Close()
}
