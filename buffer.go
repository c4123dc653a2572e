package lsmkv

import (
	"cmp"

	"github.com/google/btree"
	"github.com/lsmkv/lsmkv/entry"
)

// buffer is the in-memory write stage: an ordered map from key to the
// latest versioned value, including tombstones. Each item carries its
// encoded frame size so the map can track how many bytes a flush
// would produce without re-encoding on every write.
type buffer[K cmp.Ordered, V any] struct {
	tree *btree.BTreeG[bufferItem[K, V]]
	size uint64
}

type bufferItem[K cmp.Ordered, V any] struct {
	key   K
	value entry.VersionedValue[V]
	bytes uint64
}

func newBuffer[K cmp.Ordered, V any]() *buffer[K, V] {
	return &buffer[K, V]{
		tree: btree.NewG(32, func(a, b bufferItem[K, V]) bool { return a.key < b.key }),
	}
}

// set inserts or replaces the value for key, keeping the size counter
// in step.
func (b *buffer[K, V]) set(key K, value entry.VersionedValue[V], frameBytes uint64) {
	prev, replaced := b.tree.ReplaceOrInsert(bufferItem[K, V]{key: key, value: value, bytes: frameBytes})
	if replaced {
		b.size -= prev.bytes
	}
	b.size += frameBytes
}

func (b *buffer[K, V]) get(key K) (entry.VersionedValue[V], bool) {
	item, ok := b.tree.Get(bufferItem[K, V]{key: key})
	if !ok {
		var zero entry.VersionedValue[V]
		return zero, false
	}
	return item.value, true
}

func (b *buffer[K, V]) len() int { return b.tree.Len() }

// ascend walks the buffer in key order, tombstones included.
func (b *buffer[K, V]) ascend(fn func(key K, value entry.VersionedValue[V]) bool) {
	b.tree.Ascend(func(item bufferItem[K, V]) bool {
		return fn(item.key, item.value)
	})
}

// descend walks the buffer in reverse key order.
func (b *buffer[K, V]) descend(fn func(key K, value entry.VersionedValue[V]) bool) {
	b.tree.Descend(func(item bufferItem[K, V]) bool {
		return fn(item.key, item.value)
	})
}

func (b *buffer[K, V]) reset() {
	b.tree.Clear(false)
	b.size = 0
}
