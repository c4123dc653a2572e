package lsmkv

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
	"github.com/lsmkv/lsmkv/sstable"
)

// levelRun keys a run by its largest key inside a level's ordered
// index. Runs within a level never overlap, so the max key is a
// unique handle and a ceiling lookup finds the one run that could
// hold a given key.
type levelRun[K cmp.Ordered, V any] struct {
	maxKey K
	table  *sstable.SSTable[K, V]
}

func newLevel[K cmp.Ordered, V any]() *btree.BTreeG[levelRun[K, V]] {
	return btree.NewG(16, func(a, b levelRun[K, V]) bool { return a.maxKey < b.maxKey })
}

// leveledCatalog is the run catalog of a leveled strategy: the fresh
// runs straight from buffer flushes, which may overlap arbitrarily,
// and the sorted levels below them, each a set of disjoint runs
// indexed by max key.
type leveledCatalog[K cmp.Ordered, V any] struct {
	fresh  []*sstable.SSTable[K, V]
	levels []*btree.BTreeG[levelRun[K, V]]

	// compactedThrough is the highest logical time the producing
	// compaction consumed from fresh runs. At swap time, current
	// fresh runs whose entries are all newer carry over.
	compactedThrough uint64
}

func (c *leveledCatalog[K, V]) clone() *leveledCatalog[K, V] {
	levels := make([]*btree.BTreeG[levelRun[K, V]], len(c.levels))
	for i, lvl := range c.levels {
		levels[i] = lvl.Clone()
	}
	return &leveledCatalog[K, V]{
		fresh:            slices.Clone(c.fresh),
		levels:           levels,
		compactedThrough: c.compactedThrough,
	}
}

func (c *leveledCatalog[K, V]) insertRun(level int, t *sstable.SSTable[K, V]) {
	for len(c.levels) <= level {
		c.levels = append(c.levels, newLevel[K, V]())
	}
	c.levels[level].ReplaceOrInsert(levelRun[K, V]{maxKey: t.Summary().MaxKey, table: t})
}

func (c *leveledCatalog[K, V]) tablePaths() map[string]bool {
	paths := make(map[string]bool)
	for _, t := range c.fresh {
		paths[t.Path()] = true
	}
	for _, lvl := range c.levels {
		lvl.Ascend(func(r levelRun[K, V]) bool {
			paths[r.table.Path()] = true
			return true
		})
	}
	return paths
}

// LeveledStrategy keeps runs in non-overlapping sorted levels of
// geometrically growing capacity. Reads touch at most one run per
// level plus the fresh runs; writes pay for that with rewriting
// during level merges. Concurrency follows the same deferred-swap
// protocol as SizeTieredStrategy.
type LeveledStrategy[K cmp.Ordered, V any] struct {
	opts   LeveledOptions
	codecs codec.Pair[K, V]
	logger *slog.Logger

	mu   sync.Mutex
	curr *leveledCatalog[K, V]

	nextMu sync.Mutex
	next   *leveledCatalog[K, V]

	isCompacting atomic.Bool
	openIters    atomic.Int64
	compactions  sync.WaitGroup

	clock *logicalClock
	meta  *metadataFile
}

// NewLeveled opens the strategy directory at opts.Path, creating it
// if needed, and restores any catalog persisted there.
func NewLeveled[K cmp.Ordered, V any](opts LeveledOptions, codecs codec.Pair[K, V]) (*LeveledStrategy[K, V], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create strategy dir: %w", err)
	}

	meta, err := openMetadataFile(opts.Path)
	if err != nil {
		return nil, err
	}
	raw, err := meta.load()
	if err != nil {
		meta.Close()
		return nil, err
	}

	catalog := &leveledCatalog[K, V]{}
	if len(raw) > 0 {
		if catalog, err = decodeLeveledCatalog(raw, opts.Path, codecs); err != nil {
			meta.Close()
			return nil, err
		}
	}

	clock, err := openLogicalClock(opts.Path)
	if err != nil {
		meta.Close()
		return nil, err
	}

	s := &LeveledStrategy[K, V]{
		opts:   opts,
		codecs: codecs,
		logger: loggerOrDefault(opts.Logger),
		curr:   catalog,
		clock:  clock,
		meta:   meta,
	}
	if err := s.persistLocked(); err != nil {
		s.Close()
		return nil, err
	}
	keep := make(map[string]bool)
	for path := range catalog.tablePaths() {
		keep[filepath.Base(path)] = true
	}
	if err := sweepRunDirs(opts.Path, keep); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the strategy's directory.
func (s *LeveledStrategy[K, V]) Path() string { return s.opts.Path }

// MaxInMemorySize returns the configured write buffer limit.
func (s *LeveledStrategy[K, V]) MaxInMemorySize() uint64 { return s.opts.MaxInMemorySize }

// NextLogicalTime hands out the next version stamp.
func (s *LeveledStrategy[K, V]) NextLogicalTime() (uint64, error) { return s.clock.next() }

// TryCompact registers a flushed run as a fresh run and starts a
// compaction once more than MaxRunCount fresh runs have piled up.
func (s *LeveledStrategy[K, V]) TryCompact(run *sstable.SSTable[K, V]) error {
	s.mu.Lock()
	s.curr.fresh = append(s.curr.fresh, run)
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.isCompacting.Load() || s.openIters.Load() != 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.maybeSwapLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(s.curr.fresh) <= s.opts.MaxRunCount {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.curr.clone()
	s.mu.Unlock()

	s.isCompacting.Store(true)
	s.compactions.Add(1)
	go s.runCompaction(snapshot)
	return nil
}

func (s *LeveledStrategy[K, V]) runCompaction(snapshot *leveledCatalog[K, V]) {
	defer s.compactions.Done()
	s.logger.Info("compaction started", "strategy", "leveled",
		"fresh", len(snapshot.fresh), "levels", len(snapshot.levels))

	next, err := s.compact(snapshot)
	if err != nil {
		s.isCompacting.Store(false)
		s.logger.Error("compaction failed", "strategy", "leveled", "error", err)
		return
	}

	s.nextMu.Lock()
	s.next = next
	s.nextMu.Unlock()
	s.isCompacting.Store(false)
	s.logger.Info("compaction finished", "strategy", "leveled", "levels", len(next.levels))
}

// compact folds the fresh runs into level 0, then rebalances levels
// that grew past capacity. It mutates and returns the snapshot, which
// the caller cloned for this purpose.
func (s *LeveledStrategy[K, V]) compact(snapshot *leveledCatalog[K, V]) (*leveledCatalog[K, V], error) {
	fresh := snapshot.fresh
	var compactedThrough uint64
	for _, t := range fresh {
		compactedThrough = max(compactedThrough, t.Summary().MaxLogicalTime)
	}
	snapshot.fresh = nil
	snapshot.compactedThrough = compactedThrough
	if len(snapshot.levels) == 0 {
		snapshot.levels = append(snapshot.levels, newLevel[K, V]())
	}

	// Fold fresh runs and the whole of level 0 into new level 0 runs.
	// Fresh runs may overlap each other, so newest-flushed goes first
	// for the merge to resolve duplicates correctly.
	level0 := make([]*sstable.SSTable[K, V], 0, snapshot.levels[0].Len())
	snapshot.levels[0].Ascend(func(r levelRun[K, V]) bool {
		level0 = append(level0, r.table)
		return true
	})
	snapshot.levels[0] = newLevel[K, V]()

	hint := 0
	for _, t := range fresh {
		hint += t.Summary().EntryCount
	}
	for _, t := range level0 {
		hint = max(hint, t.Summary().EntryCount)
	}

	sources := make([]entryIterator[K, V], 0, len(fresh)+len(level0))
	for i := len(fresh) - 1; i >= 0; i-- {
		it, err := fresh[i].Iter()
		if err != nil {
			closeSources(sources)
			return nil, err
		}
		sources = append(sources, it)
	}
	for _, t := range level0 {
		it, err := t.Iter()
		if err != nil {
			closeSources(sources)
			return nil, err
		}
		sources = append(sources, it)
	}

	keepTombstones := len(snapshot.levels) > 1
	outputs, err := s.mergeIntoRuns(sources, hint, keepTombstones)
	if err != nil {
		return nil, err
	}
	for _, t := range outputs {
		snapshot.insertRun(0, t)
	}

	// Rebalance: push overflow down, merging each victim with the
	// runs it overlaps one level deeper.
	for i := 0; i < len(snapshot.levels); i++ {
		capacity := uint64(s.opts.MaxInitialLevelCount) * powUint64(s.opts.GrowthFactor, i)
		for uint64(snapshot.levels[i].Len()) > capacity {
			if err := s.pushDown(snapshot, i); err != nil {
				return nil, err
			}
		}
	}
	return snapshot, nil
}

// pushDown evicts the run with the highest tombstone ratio from level
// i into level i+1. A run with no overlap below moves without
// rewriting; deepening the tree likewise just moves the run.
func (s *LeveledStrategy[K, V]) pushDown(snapshot *leveledCatalog[K, V], i int) error {
	victim := pickVictim(snapshot.levels[i])
	snapshot.levels[i].Delete(levelRun[K, V]{maxKey: victim.Summary().MaxKey})

	if i+1 >= len(snapshot.levels) {
		snapshot.insertRun(i+1, victim)
		return nil
	}

	var overlaps []*sstable.SSTable[K, V]
	snapshot.levels[i+1].Ascend(func(r levelRun[K, V]) bool {
		if r.table.Summary().Overlaps(victim.Summary()) {
			overlaps = append(overlaps, r.table)
		}
		return true
	})
	if len(overlaps) == 0 {
		snapshot.insertRun(i+1, victim)
		return nil
	}
	for _, t := range overlaps {
		snapshot.levels[i+1].Delete(levelRun[K, V]{maxKey: t.Summary().MaxKey})
	}

	hint := victim.Summary().EntryCount
	sources := make([]entryIterator[K, V], 0, 1+len(overlaps))
	it, err := victim.Iter()
	if err != nil {
		return err
	}
	sources = append(sources, it)
	for _, t := range overlaps {
		hint += t.Summary().EntryCount
		it, err := t.Iter()
		if err != nil {
			closeSources(sources)
			return err
		}
		sources = append(sources, it)
	}

	// Tombstones die once they reach the deepest level: there is
	// nothing below for them to shadow.
	keepTombstones := i+1 < len(snapshot.levels)-1
	outputs, err := s.mergeIntoRuns(sources, hint, keepTombstones)
	if err != nil {
		return err
	}
	for _, t := range outputs {
		snapshot.insertRun(i+1, t)
	}
	return nil
}

// pickVictim returns the run with the highest tombstone ratio,
// compared by cross-multiplication to stay in integers.
func pickVictim[K cmp.Ordered, V any](level *btree.BTreeG[levelRun[K, V]]) *sstable.SSTable[K, V] {
	var best *sstable.SSTable[K, V]
	level.Ascend(func(r levelRun[K, V]) bool {
		if best == nil {
			best = r.table
			return true
		}
		c, b := r.table.Summary(), best.Summary()
		if c.TombstoneCount*b.EntryCount > b.TombstoneCount*c.EntryCount {
			best = r.table
		}
		return true
	})
	return best
}

// mergeIntoRuns drains a merge over sources into one or more runs,
// starting a new run whenever the current one exceeds MaxRunSize.
func (s *LeveledStrategy[K, V]) mergeIntoRuns(sources []entryIterator[K, V], hint int, keepTombstones bool) ([]*sstable.SSTable[K, V], error) {
	merge := newMergeIterator(sources)
	defer merge.Close()

	var outputs []*sstable.SSTable[K, V]
	var builder *sstable.Builder[K, V]
	finish := func() error {
		path, err := builder.Flush()
		if err != nil {
			builder.Abandon()
			return err
		}
		table, err := sstable.Open(path, s.codecs)
		if err != nil {
			os.RemoveAll(path)
			return err
		}
		outputs = append(outputs, table)
		builder = nil
		return nil
	}

	for merge.Next() {
		e := merge.Entry()
		if e.Value.Tombstone && !keepTombstones {
			continue
		}
		if builder == nil {
			b, err := sstable.NewBuilder(s.opts.Path, hint, s.codecs)
			if err != nil {
				return nil, err
			}
			builder = b
		}
		if err := builder.Append(e.Key, e.Value); err != nil {
			builder.Abandon()
			return nil, err
		}
		if builder.Size() > s.opts.MaxRunSize {
			if err := finish(); err != nil {
				return nil, err
			}
		}
	}
	if err := merge.Err(); err != nil {
		if builder != nil {
			builder.Abandon()
		}
		return nil, err
	}
	if builder != nil {
		if err := finish(); err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

// maybeSwapLocked installs a pending catalog if one exists and no
// iterator pins the current one. Caller holds mu.
func (s *LeveledStrategy[K, V]) maybeSwapLocked() error {
	if s.openIters.Load() != 0 {
		return nil
	}
	s.nextMu.Lock()
	next := s.next
	s.next = nil
	s.nextMu.Unlock()
	if next == nil {
		return nil
	}

	merged := next.clone()
	for _, t := range s.curr.fresh {
		if t.Summary().MinLogicalTime > next.compactedThrough {
			merged.fresh = append(merged.fresh, t)
		}
	}
	keep := merged.tablePaths()
	for path := range s.curr.tablePaths() {
		if keep[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("remove superseded run", "path", path, "error", err)
		}
	}
	s.curr = merged
	return s.persistLocked()
}

// Get checks every fresh run and keeps the newest version found,
// since fresh runs may overlap. Below that, each level needs at most
// one probe: the run whose max key is the ceiling of the lookup key.
func (s *LeveledStrategy[K, V]) Get(key K) (entry.VersionedValue[V], bool, error) {
	var zero entry.VersionedValue[V]
	s.mu.Lock()
	if err := s.maybeSwapLocked(); err != nil {
		s.mu.Unlock()
		return zero, false, err
	}
	fresh := slices.Clone(s.curr.fresh)
	levels := slices.Clone(s.curr.levels)
	s.mu.Unlock()

	var best entry.VersionedValue[V]
	found := false
	for _, t := range fresh {
		v, ok, err := t.Get(key)
		if err != nil {
			return zero, false, err
		}
		if ok && (!found || v.Newer(best)) {
			best, found = v, true
		}
	}
	if found {
		return best, true, nil
	}

	for _, lvl := range levels {
		var candidate *sstable.SSTable[K, V]
		lvl.AscendGreaterOrEqual(levelRun[K, V]{maxKey: key}, func(r levelRun[K, V]) bool {
			candidate = r.table
			return false
		})
		if candidate == nil {
			continue
		}
		v, ok, err := candidate.Get(key)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Iter merges fresh runs (newest first) with every level, shallowest
// first, and pins the catalog until closed.
func (s *LeveledStrategy[K, V]) Iter() (Iterator[K, V], error) {
	s.mu.Lock()
	if err := s.maybeSwapLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	fresh := slices.Clone(s.curr.fresh)
	levels := slices.Clone(s.curr.levels)
	s.openIters.Add(1)
	s.mu.Unlock()

	var sources []entryIterator[K, V]
	fail := func(err error) (Iterator[K, V], error) {
		closeSources(sources)
		s.openIters.Add(-1)
		return nil, err
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		it, err := fresh[i].Iter()
		if err != nil {
			return fail(err)
		}
		sources = append(sources, it)
	}
	for _, lvl := range levels {
		var err error
		lvl.Ascend(func(r levelRun[K, V]) bool {
			var it *sstable.DataIter[K, V]
			if it, err = r.table.Iter(); err != nil {
				return false
			}
			sources = append(sources, it)
			return true
		})
		if err != nil {
			return fail(err)
		}
	}
	return &catalogIter[K, V]{
		merge:   newMergeIterator(sources),
		release: func() { s.openIters.Add(-1) },
	}, nil
}

// Len counts live keys with a full merged scan.
func (s *LeveledStrategy[K, V]) Len() (int, error) {
	it, err := s.Iter()
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// LenHint sums live entry counts across run summaries; an upper bound
// since fresh runs may shadow level entries.
func (s *LeveledStrategy[K, V]) LenHint() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeSwapLocked(); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.curr.fresh {
		n += t.Summary().Live()
	}
	for _, lvl := range s.curr.levels {
		lvl.Ascend(func(r levelRun[K, V]) bool {
			n += r.table.Summary().Live()
			return true
		})
	}
	return n, nil
}

// Min returns the smallest live key.
func (s *LeveledStrategy[K, V]) Min() (K, bool, error) {
	return firstKey[K, V](s)
}

// Max returns the largest live key.
func (s *LeveledStrategy[K, V]) Max() (K, bool, error) {
	return lastKey[K, V](s)
}

// Flush waits out any in-flight compaction and installs its result.
func (s *LeveledStrategy[K, V]) Flush() error {
	s.compactions.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maybeSwapLocked()
}

// Clear removes every run. The logical clock is left alone so stamps
// stay monotonic across a clear.
func (s *LeveledStrategy[K, V]) Clear() error {
	s.compactions.Wait()
	s.nextMu.Lock()
	s.next = nil
	s.nextMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.curr = &leveledCatalog[K, V]{}
	if err := s.persistLocked(); err != nil {
		return err
	}
	return sweepRunDirs(s.opts.Path, nil)
}

// Close joins background work, installs any pending catalog and
// releases the strategy's files.
func (s *LeveledStrategy[K, V]) Close() error {
	s.compactions.Wait()
	s.mu.Lock()
	err := s.maybeSwapLocked()
	s.mu.Unlock()
	if cerr := s.clock.Close(); err == nil {
		err = cerr
	}
	if merr := s.meta.Close(); err == nil {
		err = merr
	}
	return err
}

func (s *LeveledStrategy[K, V]) persistLocked() error {
	buf := appendUint32(nil, uint32(len(s.curr.fresh)))
	for _, t := range s.curr.fresh {
		buf = appendRunName(buf, t.Path())
	}
	buf = appendUint32(buf, uint32(len(s.curr.levels)))
	for _, lvl := range s.curr.levels {
		buf = appendUint32(buf, uint32(lvl.Len()))
		lvl.Ascend(func(r levelRun[K, V]) bool {
			buf = appendRunName(buf, r.table.Path())
			return true
		})
	}
	return s.meta.rewrite(buf)
}

func decodeLeveledCatalog[K cmp.Ordered, V any](raw []byte, dir string, codecs codec.Pair[K, V]) (*leveledCatalog[K, V], error) {
	c := &byteCursor{data: raw}
	catalog := &leveledCatalog[K, V]{}

	freshCount, err := c.uint32()
	if err != nil {
		return nil, err
	}
	var maxTime uint64
	for i := uint32(0); i < freshCount; i++ {
		name, err := c.runName()
		if err != nil {
			return nil, err
		}
		table, err := sstable.Open(filepath.Join(dir, name), codecs)
		if err != nil {
			return nil, err
		}
		catalog.fresh = append(catalog.fresh, table)
		maxTime = max(maxTime, table.Summary().MaxLogicalTime)
	}
	catalog.compactedThrough = maxTime

	levelCount, err := c.uint32()
	if err != nil {
		return nil, err
	}
	for level := 0; level < int(levelCount); level++ {
		for len(catalog.levels) <= level {
			catalog.levels = append(catalog.levels, newLevel[K, V]())
		}
		runCount, err := c.uint32()
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < runCount; j++ {
			name, err := c.runName()
			if err != nil {
				return nil, err
			}
			table, err := sstable.Open(filepath.Join(dir, name), codecs)
			if err != nil {
				return nil, err
			}
			catalog.insertRun(level, table)
		}
	}
	return catalog, nil
}

func powUint64(base uint64, exp int) uint64 {
	out := uint64(1)
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
