package sstable

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
)

var testCodecs = codec.Pair[uint64, string]{Key: codec.Uint64{}, Value: codec.String{}}

// buildRun writes count sequential entries (keys 0..count-1) and
// returns the opened run. Every third key is a tombstone when
// withTombstones is set.
func buildRun(t *testing.T, dir string, count int, withTombstones bool) *SSTable[uint64, string] {
	t.Helper()
	b, err := NewBuilder(dir, count, testCodecs)
	require.NoError(t, err)
	for i := 0; i < count; i++ {
		v := entry.VersionedValue[string]{LogicalTime: uint64(i)}
		if withTombstones && i%3 == 0 {
			v.Tombstone = true
		} else {
			v.Value = fmt.Sprintf("value-%d", i)
		}
		require.NoError(t, b.Append(uint64(i), v))
	}
	path, err := b.Flush()
	require.NoError(t, err)
	table, err := Open(path, testCodecs)
	require.NoError(t, err)
	return table
}

func TestBuildAndGet(t *testing.T) {
	table := buildRun(t, t.TempDir(), 100, false)

	for i := 0; i < 100; i++ {
		v, ok, err := table.Get(uint64(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v.Value)
		assert.Equal(t, uint64(i), v.LogicalTime)
	}
}

func TestGetAbsent(t *testing.T) {
	table := buildRun(t, t.TempDir(), 100, false)

	_, ok, err := table.Get(500)
	require.NoError(t, err)
	assert.False(t, ok, "key above max range")

	// Keys inside the range but never written. The bloom filter may
	// pass a few; the index lookup must still miss.
	misses := 0
	for i := 100; i < 200; i++ {
		_, ok, err := table.Get(uint64(i))
		require.NoError(t, err)
		if !ok {
			misses++
		}
	}
	assert.Equal(t, 100, misses)
}

func TestGetTombstone(t *testing.T) {
	table := buildRun(t, t.TempDir(), 30, true)

	v, ok, err := table.Get(0)
	require.NoError(t, err)
	require.True(t, ok, "tombstones are hits at this layer")
	assert.True(t, v.Tombstone)

	v, ok, err = table.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, v.Tombstone)
}

func TestSummary(t *testing.T) {
	table := buildRun(t, t.TempDir(), 30, true)
	s := table.Summary()

	assert.Equal(t, 30, s.EntryCount)
	assert.Equal(t, 10, s.TombstoneCount)
	assert.Equal(t, 20, s.Live())
	assert.Equal(t, uint64(0), s.MinKey)
	assert.Equal(t, uint64(29), s.MaxKey)
	assert.Equal(t, uint64(0), s.MinLogicalTime)
	assert.Equal(t, uint64(29), s.MaxLogicalTime)
	assert.NotEmpty(t, s.SparseIndex)
	assert.Greater(t, s.SizeBytes, uint64(0))
}

func TestSummaryOverlaps(t *testing.T) {
	a := Summary[uint64]{MinKey: 0, MaxKey: 10}
	b := Summary[uint64]{MinKey: 10, MaxKey: 20}
	c := Summary[uint64]{MinKey: 11, MaxKey: 20}
	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	assert.False(t, a.Overlaps(c))
}

func TestIterOrder(t *testing.T) {
	table := buildRun(t, t.TempDir(), 250, true)

	it, err := table.Iter()
	require.NoError(t, err)
	defer it.Close()

	var prev uint64
	n := 0
	for it.Next() {
		e := it.Entry()
		if n > 0 {
			assert.Greater(t, e.Key, prev)
		}
		prev = e.Key
		n++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 250, n, "iteration includes tombstones")
}

func TestOpenAfterReopen(t *testing.T) {
	dir := t.TempDir()
	table := buildRun(t, dir, 50, false)
	path := table.Path()

	reopened, err := Open(path, testCodecs)
	require.NoError(t, err)
	v, ok, err := reopened.Get(25)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-25", v.Value)
}

func TestFlushEmptyPanics(t *testing.T) {
	b, err := NewBuilder(t.TempDir(), 10, testCodecs)
	require.NoError(t, err)
	assert.Panics(t, func() { b.Flush() })
}

func TestRemove(t *testing.T) {
	table := buildRun(t, t.TempDir(), 10, false)
	path := table.Path()
	require.NoError(t, table.Remove())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAbandonAfterFlushRemovesRun(t *testing.T) {
	// Callers discard a run this way when opening it fails right after
	// a successful flush; the directory must not linger.
	b, err := NewBuilder(t.TempDir(), 10, testCodecs)
	require.NoError(t, err)
	require.NoError(t, b.Append(1, entry.VersionedValue[string]{Value: "v", LogicalTime: 1}))
	path, err := b.Flush()
	require.NoError(t, err)

	require.NoError(t, b.Abandon())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSingleEntryRun(t *testing.T) {
	b, err := NewBuilder(t.TempDir(), 1, testCodecs)
	require.NoError(t, err)
	require.NoError(t, b.Append(7, entry.VersionedValue[string]{Value: "lonely", LogicalTime: 1}))
	path, err := b.Flush()
	require.NoError(t, err)

	table, err := Open(path, testCodecs)
	require.NoError(t, err)
	v, ok, err := table.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lonely", v.Value)

	_, ok, err = table.Get(8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptSummary(t *testing.T) {
	table := buildRun(t, t.TempDir(), 10, false)
	path := table.Path()
	require.NoError(t, os.WriteFile(path+"/summary.dat", []byte{1, 2, 3}, 0o644))

	_, err := Open(path, testCodecs)
	assert.ErrorIs(t, err, entry.ErrCorruption)
}
