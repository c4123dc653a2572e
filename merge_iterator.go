package lsmkv

import (
	"cmp"
	"container/heap"
	"errors"

	"github.com/lsmkv/lsmkv/entry"
)

// entryIterator is the raw stream a merge consumes: entries in
// ascending key order, tombstones included.
type entryIterator[K cmp.Ordered, V any] interface {
	Next() bool
	Entry() entry.Entry[K, V]
	Err() error
	Close() error
}

// mergeIterator performs a k-way merge over sorted sources with
// deduplication. Sources are ordered newest to oldest; on duplicate
// keys the entry from the earliest source wins and later ones are
// dropped, which is how stale versions and shadowed tombstones die
// during compaction.
type mergeIterator[K cmp.Ordered, V any] struct {
	sources []entryIterator[K, V]
	heads   mergeHeap[K, V]
	curr    entry.Entry[K, V]
	lastKey K
	started bool
	err     error
}

type mergeHead[K cmp.Ordered, V any] struct {
	e   entry.Entry[K, V]
	src int
}

type mergeHeap[K cmp.Ordered, V any] []mergeHead[K, V]

func (h mergeHeap[K, V]) Len() int { return len(h) }
func (h mergeHeap[K, V]) Less(i, j int) bool {
	if h[i].e.Key != h[j].e.Key {
		return h[i].e.Key < h[j].e.Key
	}
	return h[i].src < h[j].src
}
func (h mergeHeap[K, V]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap[K, V]) Push(x any) { *h = append(*h, x.(mergeHead[K, V])) }
func (h *mergeHeap[K, V]) Pop() any {
	old := *h
	n := len(old)
	head := old[n-1]
	*h = old[:n-1]
	return head
}

// newMergeIterator primes the heap with the first entry of every
// source. Sources must be passed newest first.
func newMergeIterator[K cmp.Ordered, V any](sources []entryIterator[K, V]) *mergeIterator[K, V] {
	m := &mergeIterator[K, V]{
		sources: sources,
		heads:   make(mergeHeap[K, V], 0, len(sources)),
	}
	for i, src := range sources {
		if src.Next() {
			m.heads = append(m.heads, mergeHead[K, V]{e: src.Entry(), src: i})
		} else if err := src.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heads)
	return m
}

// Next advances to the next distinct key.
func (m *mergeIterator[K, V]) Next() bool {
	for m.err == nil && m.heads.Len() > 0 {
		head := heap.Pop(&m.heads).(mergeHead[K, V])
		src := m.sources[head.src]
		if src.Next() {
			heap.Push(&m.heads, mergeHead[K, V]{e: src.Entry(), src: head.src})
		} else if err := src.Err(); err != nil {
			m.err = err
			return false
		}

		if m.started && head.e.Key == m.lastKey {
			continue
		}
		m.started = true
		m.lastKey = head.e.Key
		m.curr = head.e
		return true
	}
	return false
}

// Entry returns the entry positioned by the last successful Next.
func (m *mergeIterator[K, V]) Entry() entry.Entry[K, V] { return m.curr }

// Err returns the first source error.
func (m *mergeIterator[K, V]) Err() error { return m.err }

// Close closes every source and returns their combined errors.
func (m *mergeIterator[K, V]) Close() error {
	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
