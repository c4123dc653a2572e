package lsmkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsmkv/lsmkv/entry"
	"github.com/lsmkv/lsmkv/sstable"
)

func newLeveledStrategy(t *testing.T, opts LeveledOptions) *LeveledStrategy[uint64, string] {
	t.Helper()
	opts.Logger = quietLogger()
	s, err := NewLeveled(opts, testCodecs)
	require.NoError(t, err)
	return s
}

func smallLeveledOptions(path string) LeveledOptions {
	return LeveledOptions{
		Path:                 path,
		MaxRunCount:          2,
		MaxRunSize:           2048,
		MaxInitialLevelCount: 2,
		GrowthFactor:         2,
		MaxInMemorySize:      1024,
	}
}

func TestLeveledInsertGet(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 500; i++ {
		require.NoError(t, m.Insert(i, fmt.Sprintf("value-%d", i)))
	}
	require.NoError(t, m.Flush())

	for i := uint64(1); i <= 500; i++ {
		v, ok, err := m.Get(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v)
	}

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	minKey, ok, err := m.Min()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), minKey)

	maxKey, ok, err := m.Max()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(500), maxKey)
}

func TestLeveledLevelsAreDisjoint(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 800; i++ {
		require.NoError(t, m.Insert(i, fmt.Sprintf("value-%d", i)))
	}
	require.NoError(t, m.Flush())

	require.NotEmpty(t, s.curr.levels, "enough data to have folded into levels")
	for li, lvl := range s.curr.levels {
		var prev sstable.Summary[uint64]
		first := true
		lvl.Ascend(func(r levelRun[uint64, string]) bool {
			sum := r.table.Summary()
			assert.LessOrEqual(t, sum.MinKey, sum.MaxKey)
			if !first {
				assert.Greater(t, sum.MinKey, prev.MaxKey,
					"level %d runs must not overlap", li)
			}
			prev, first = sum, false
			return true
		})
	}
}

func TestLeveledOverwriteAndRemove(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 100; i++ {
		require.NoError(t, m.Insert(i, "old"))
	}
	require.NoError(t, m.Flush())
	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, m.Insert(i, "new"))
	}
	for i := uint64(51); i <= 75; i++ {
		require.NoError(t, m.Remove(i))
	}
	require.NoError(t, m.Flush())

	v, ok, err := m.Get(25)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", v)

	_, ok, err = m.Get(60)
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err = m.Get(90)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", v)

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 75, n)
}

func TestLeveledNoCompactionBelowFreshRunLimit(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	defer s.Close()

	r1 := buildRun(t, s.Path(),
		entry.Entry[uint64, string]{Key: 1, Value: entry.VersionedValue[string]{Value: "a", LogicalTime: 0}})
	require.NoError(t, s.TryCompact(r1))
	r2 := buildRun(t, s.Path(),
		entry.Entry[uint64, string]{Key: 2, Value: entry.VersionedValue[string]{Value: "b", LogicalTime: 1}})
	require.NoError(t, s.TryCompact(r2))

	// Two fresh runs at MaxRunCount=2 is not over the limit: nothing
	// may be spawned or published and the catalog holds exactly the
	// registered runs.
	assert.False(t, s.isCompacting.Load())
	s.nextMu.Lock()
	assert.Nil(t, s.next)
	s.nextMu.Unlock()
	require.Len(t, s.curr.fresh, 2)
	assert.Equal(t, r1.Path(), s.curr.fresh[0].Path())
	assert.Equal(t, r2.Path(), s.curr.fresh[1].Path())
	assert.Empty(t, s.curr.levels)
}

func TestLeveledFullCompactionDropsDeletedKeys(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 300; i++ {
		require.NoError(t, m.Insert(i, fmt.Sprintf("value-%d", i)))
	}
	require.NoError(t, m.Flush())
	for i := uint64(1); i <= 300; i++ {
		require.NoError(t, m.Remove(i))
	}
	// Keep writing so compactions keep cycling tombstones downward.
	for i := uint64(1000); i <= 1300; i++ {
		require.NoError(t, m.Insert(i, "live"))
	}
	require.NoError(t, m.Flush())

	for i := uint64(1); i <= 300; i++ {
		_, ok, err := m.Get(i)
		require.NoError(t, err)
		require.False(t, ok, "key %d", i)
	}
	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 301, n)
}

func TestLeveledTombstonesPurgedAtDeepestLevel(t *testing.T) {
	opts := smallLeveledOptions(t.TempDir())
	opts.MaxRunCount = 1
	s := newLeveledStrategy(t, opts)
	defer s.Close()

	require.NoError(t, s.TryCompact(buildRun(t, s.Path(),
		entry.Entry[uint64, string]{Key: 1, Value: entry.VersionedValue[string]{Value: "doomed", LogicalTime: 0}},
		entry.Entry[uint64, string]{Key: 2, Value: entry.VersionedValue[string]{Value: "kept", LogicalTime: 1}},
	)))
	require.NoError(t, s.TryCompact(buildRun(t, s.Path(),
		entry.Entry[uint64, string]{Key: 1, Value: entry.VersionedValue[string]{Tombstone: true, LogicalTime: 2}},
	)))
	require.NoError(t, s.Flush())

	// Both runs folded into the deepest level: the tombstone and the
	// value it shadowed leave no frame in any run.
	require.Empty(t, s.curr.fresh)
	total := 0
	for li, lvl := range s.curr.levels {
		lvl.Ascend(func(r levelRun[uint64, string]) bool {
			assert.Equal(t, 0, r.table.Summary().TombstoneCount, "level %d", li)
			it, err := r.table.Iter()
			require.NoError(t, err)
			for it.Next() {
				e := it.Entry()
				assert.NotEqual(t, uint64(1), e.Key, "deleted key physically gone")
				assert.False(t, e.Value.Tombstone)
				total++
			}
			require.NoError(t, it.Err())
			require.NoError(t, it.Close())
			return true
		})
	}
	assert.Equal(t, 1, total)

	_, ok, err := s.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)
	v, ok, err := s.Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", v.Value)
}

func TestLeveledIteratorOrder(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	// Reverse insertion order must not matter.
	for i := uint64(400); i >= 1; i-- {
		require.NoError(t, m.Insert(i, fmt.Sprintf("value-%d", i)))
	}

	it, err := m.Iter()
	require.NoError(t, err)
	defer it.Close()

	want := uint64(1)
	for it.Next() {
		assert.Equal(t, want, it.Key())
		assert.Equal(t, fmt.Sprintf("value-%d", want), it.Value())
		want++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, uint64(401), want)
}

func TestLeveledReopen(t *testing.T) {
	dir := t.TempDir()
	opts := smallLeveledOptions(dir)

	s := newLeveledStrategy(t, opts)
	m := New(s, testCodecs)
	for i := uint64(1); i <= 300; i++ {
		require.NoError(t, m.Insert(i, fmt.Sprintf("value-%d", i)))
	}
	require.NoError(t, m.Close())

	s = newLeveledStrategy(t, opts)
	m = New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 300; i++ {
		v, ok, err := m.Get(i)
		require.NoError(t, err)
		require.True(t, ok, "key %d survives reopen", i)
		assert.Equal(t, fmt.Sprintf("value-%d", i), v)
	}

	require.NoError(t, m.Insert(42, "rewritten"))
	require.NoError(t, m.Flush())
	v, ok, err := m.Get(42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rewritten", v)
}

func TestLeveledClear(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 200; i++ {
		require.NoError(t, m.Insert(i, "v"))
	}
	require.NoError(t, m.Flush())
	require.NoError(t, m.Clear())

	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err := m.Get(10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeveledLenHintUpperBound(t *testing.T) {
	s := newLeveledStrategy(t, smallLeveledOptions(t.TempDir()))
	m := New(s, testCodecs)
	defer m.Close()

	for i := uint64(1); i <= 200; i++ {
		require.NoError(t, m.Insert(i, "a"))
	}
	require.NoError(t, m.Flush())
	for i := uint64(1); i <= 200; i++ {
		require.NoError(t, m.Insert(i, "b"))
	}
	require.NoError(t, m.Flush())

	hint, err := m.LenHint()
	require.NoError(t, err)
	n, err := m.Len()
	require.NoError(t, err)
	assert.Equal(t, 200, n)
	assert.GreaterOrEqual(t, hint, n)
}
