package lsmkv

import (
	"cmp"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lsmkv/lsmkv/codec"
	"github.com/lsmkv/lsmkv/entry"
	"github.com/lsmkv/lsmkv/sstable"
)

// sizeTieredRun is a catalog entry: an open run plus its generation
// tag. Tags increase with every registered run, so a higher tag always
// means fresher data. Compaction outputs inherit the highest input
// tag, which keeps them ordered against runs flushed while the
// compaction was running.
type sizeTieredRun[K cmp.Ordered, V any] struct {
	table *sstable.SSTable[K, V]
	tag   uint64
}

type sizeTieredCatalog[K cmp.Ordered, V any] struct {
	runs []sizeTieredRun[K, V]

	// compactedThrough is the highest tag the producing compaction
	// consumed. At swap time, current runs with tags above it were
	// flushed after the snapshot and carry over.
	compactedThrough uint64
}

func (c *sizeTieredCatalog[K, V]) clone() *sizeTieredCatalog[K, V] {
	return &sizeTieredCatalog[K, V]{runs: slices.Clone(c.runs), compactedThrough: c.compactedThrough}
}

func (c *sizeTieredCatalog[K, V]) maxTag() uint64 {
	var t uint64
	for _, r := range c.runs {
		t = max(t, r.tag)
	}
	return t
}

// SizeTieredStrategy groups runs of similar size into buckets and
// merges a bucket once it grows past MinRunCount runs. Simple and
// write-friendly; reads may touch several runs per key.
//
// Concurrency follows one pattern throughout: mu guards the current
// catalog, nextMu guards the pending catalog a background compaction
// publishes, and foreground operations opportunistically swap the
// pending catalog in, unless an open iterator still pins the current
// one. At most one compaction runs at a time.
type SizeTieredStrategy[K cmp.Ordered, V any] struct {
	opts   SizeTieredOptions
	codecs codec.Pair[K, V]
	logger *slog.Logger

	mu   sync.Mutex
	curr *sizeTieredCatalog[K, V]

	nextMu sync.Mutex
	next   *sizeTieredCatalog[K, V]

	isCompacting atomic.Bool
	openIters    atomic.Int64
	compactions  sync.WaitGroup

	clock *logicalClock
	meta  *metadataFile
}

// NewSizeTiered opens the strategy directory at opts.Path, creating
// it if needed, and restores any catalog persisted there. Run
// directories left behind by an interrupted compaction are removed.
func NewSizeTiered[K cmp.Ordered, V any](opts SizeTieredOptions, codecs codec.Pair[K, V]) (*SizeTieredStrategy[K, V], error) {
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

	catalog := &sizeTieredCatalog[K, V]{}
	if len(raw) > 0 {
		if catalog, err = decodeSizeTieredCatalog(raw, opts.Path, codecs); err != nil {
			meta.Close()
			return nil, err
		}
	}

	clock, err := openLogicalClock(opts.Path)
	if err != nil {
		meta.Close()
		return nil, err
	}

	s := &SizeTieredStrategy[K, V]{
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
	keep := make(map[string]bool, len(catalog.runs))
	for _, r := range catalog.runs {
		keep[filepath.Base(r.table.Path())] = true
	}
	if err := sweepRunDirs(opts.Path, keep); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the strategy's directory.
func (s *SizeTieredStrategy[K, V]) Path() string { return s.opts.Path }

// MaxInMemorySize returns the configured write buffer limit.
func (s *SizeTieredStrategy[K, V]) MaxInMemorySize() uint64 { return s.opts.MaxInMemorySize }

// NextLogicalTime hands out the next version stamp.
func (s *SizeTieredStrategy[K, V]) NextLogicalTime() (uint64, error) { return s.clock.next() }

// TryCompact registers a flushed run under a fresh generation tag and
// kicks off a bucket compaction when one is due.
func (s *SizeTieredStrategy[K, V]) TryCompact(run *sstable.SSTable[K, V]) error {
	s.mu.Lock()
	s.curr.runs = append(s.curr.runs, sizeTieredRun[K, V]{table: run, tag: s.curr.maxTag() + 1})
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
	snapshot := s.curr.clone()
	s.mu.Unlock()

	start, end, ok := pickBucket(snapshot, s.opts)
	if !ok {
		return nil
	}
	s.isCompacting.Store(true)
	s.compactions.Add(1)
	go s.runCompaction(snapshot, start, end)
	return nil
}

func (s *SizeTieredStrategy[K, V]) runCompaction(snapshot *sizeTieredCatalog[K, V], start, end int) {
	defer s.compactions.Done()
	s.logger.Info("compaction started", "strategy", "size-tiered", "inputs", end-start, "runs", len(snapshot.runs))

	next, err := s.compact(snapshot, start, end)
	if err != nil {
		s.isCompacting.Store(false)
		s.logger.Error("compaction failed", "strategy", "size-tiered", "error", err)
		return
	}

	s.nextMu.Lock()
	s.next = next
	s.nextMu.Unlock()
	s.isCompacting.Store(false)
	s.logger.Info("compaction finished", "strategy", "size-tiered", "runs", len(next.runs))
}

// pickBucket scans runs in ascending size order for a bucket of
// similarly sized runs longer than MinRunCount. Runs at or below
// MinRunSize always share the smallest bucket. Sorts the snapshot in
// place; the caller owns it.
func pickBucket[K cmp.Ordered, V any](snapshot *sizeTieredCatalog[K, V], opts SizeTieredOptions) (int, int, bool) {
	runs := snapshot.runs
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].table.Summary().SizeBytes < runs[j].table.Summary().SizeBytes
	})

	start := 0
	var bucketSize uint64
	for curr := 0; curr < len(runs); curr++ {
		size := runs[curr].table.Summary().SizeBytes
		startSize := runs[start].table.Summary().SizeBytes
		avg := float64(bucketSize+size) / float64(curr-start+1)

		inMinBucket := size <= opts.MinRunSize
		inBucket := avg*opts.BucketLow <= float64(startSize) && float64(size) <= avg*opts.BucketHigh
		if inMinBucket || inBucket {
			bucketSize += size
			continue
		}
		if curr-start > opts.MinRunCount {
			return start, curr, true
		}
		start = curr
		bucketSize = size
	}
	if len(runs)-start > opts.MinRunCount {
		return start, len(runs), true
	}
	return 0, 0, false
}

// compact merges runs[start:end] into a single output run and returns
// the catalog that should replace the snapshot. Tombstones are purged
// only when no run outside the bucket is older than the output,
// otherwise a purged tombstone could resurrect a value it shadowed.
func (s *SizeTieredStrategy[K, V]) compact(snapshot *sizeTieredCatalog[K, V], start, end int) (*sizeTieredCatalog[K, V], error) {
	inputs := snapshot.runs[start:end]
	rest := make([]sizeTieredRun[K, V], 0, len(snapshot.runs)-len(inputs))
	rest = append(rest, snapshot.runs[:start]...)
	rest = append(rest, snapshot.runs[end:]...)

	var outputTag uint64
	hint := 0
	for _, r := range inputs {
		outputTag = max(outputTag, r.tag)
		hint += r.table.Summary().EntryCount
	}
	purgeTombstones := true
	for _, r := range rest {
		if r.tag < outputTag {
			purgeTombstones = false
			break
		}
	}

	byTagDesc := slices.Clone(inputs)
	sort.Slice(byTagDesc, func(i, j int) bool { return byTagDesc[i].tag > byTagDesc[j].tag })
	sources := make([]entryIterator[K, V], 0, len(byTagDesc))
	for _, r := range byTagDesc {
		it, err := r.table.Iter()
		if err != nil {
			closeSources(sources)
			return nil, err
		}
		sources = append(sources, it)
	}
	merge := newMergeIterator(sources)
	defer merge.Close()

	builder, err := sstable.NewBuilder(s.opts.Path, hint, s.codecs)
	if err != nil {
		return nil, err
	}
	for merge.Next() {
		e := merge.Entry()
		if e.Value.Tombstone && purgeTombstones {
			continue
		}
		if err := builder.Append(e.Key, e.Value); err != nil {
			builder.Abandon()
			return nil, err
		}
	}
	if err := merge.Err(); err != nil {
		builder.Abandon()
		return nil, err
	}

	next := &sizeTieredCatalog[K, V]{runs: rest, compactedThrough: snapshot.maxTag()}
	if builder.Empty() {
		builder.Abandon()
		return next, nil
	}
	path, err := builder.Flush()
	if err != nil {
		builder.Abandon()
		return nil, err
	}
	table, err := sstable.Open(path, s.codecs)
	if err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	next.runs = append(next.runs, sizeTieredRun[K, V]{table: table, tag: outputTag})
	return next, nil
}

// maybeSwapLocked installs a pending catalog if one exists and no
// iterator pins the current one. Superseded run directories are
// deleted. Caller holds mu.
func (s *SizeTieredStrategy[K, V]) maybeSwapLocked() error {
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
	for _, r := range s.curr.runs {
		if r.tag > next.compactedThrough {
			merged.runs = append(merged.runs, r)
		}
	}
	keep := make(map[string]bool, len(merged.runs))
	for _, r := range merged.runs {
		keep[r.table.Path()] = true
	}
	for _, r := range s.curr.runs {
		if keep[r.table.Path()] {
			continue
		}
		if err := r.table.Remove(); err != nil {
			s.logger.Warn("remove superseded run", "path", r.table.Path(), "error", err)
		}
	}
	s.curr = merged
	return s.persistLocked()
}

// Get consults runs newest first and returns on the first hit.
func (s *SizeTieredStrategy[K, V]) Get(key K) (entry.VersionedValue[V], bool, error) {
	var zero entry.VersionedValue[V]
	s.mu.Lock()
	if err := s.maybeSwapLocked(); err != nil {
		s.mu.Unlock()
		return zero, false, err
	}
	runs := slices.Clone(s.curr.runs)
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].tag > runs[j].tag })
	for _, r := range runs {
		v, ok, err := r.table.Get(key)
		if err != nil {
			return zero, false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return zero, false, nil
}

// Iter merges every run, newest first, and pins the catalog until the
// iterator is closed.
func (s *SizeTieredStrategy[K, V]) Iter() (Iterator[K, V], error) {
	s.mu.Lock()
	if err := s.maybeSwapLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	runs := slices.Clone(s.curr.runs)
	s.openIters.Add(1)
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].tag > runs[j].tag })
	sources := make([]entryIterator[K, V], 0, len(runs))
	for _, r := range runs {
		it, err := r.table.Iter()
		if err != nil {
			closeSources(sources)
			s.openIters.Add(-1)
			return nil, err
		}
		sources = append(sources, it)
	}
	return &catalogIter[K, V]{
		merge:   newMergeIterator(sources),
		release: func() { s.openIters.Add(-1) },
	}, nil
}

// Len counts live keys with a full merged scan.
func (s *SizeTieredStrategy[K, V]) Len() (int, error) {
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

// LenHint sums live entry counts across run summaries. Keys present
// in several runs are counted once per run, so this is an upper
// bound.
func (s *SizeTieredStrategy[K, V]) LenHint() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeSwapLocked(); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range s.curr.runs {
		n += r.table.Summary().Live()
	}
	return n, nil
}

// Min returns the smallest live key.
func (s *SizeTieredStrategy[K, V]) Min() (K, bool, error) {
	return firstKey[K, V](s)
}

// Max returns the largest live key.
func (s *SizeTieredStrategy[K, V]) Max() (K, bool, error) {
	return lastKey[K, V](s)
}

// Flush waits out any in-flight compaction and installs its result.
func (s *SizeTieredStrategy[K, V]) Flush() error {
	s.compactions.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maybeSwapLocked()
}

// Clear removes every run. The logical clock is left alone so stamps
// stay monotonic across a clear.
func (s *SizeTieredStrategy[K, V]) Clear() error {
	s.compactions.Wait()
	s.nextMu.Lock()
	s.next = nil
	s.nextMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.curr = &sizeTieredCatalog[K, V]{}
	if err := s.persistLocked(); err != nil {
		return err
	}
	return sweepRunDirs(s.opts.Path, nil)
}

// Close joins background work, installs any pending catalog and
// releases the strategy's files.
func (s *SizeTieredStrategy[K, V]) Close() error {
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

func (s *SizeTieredStrategy[K, V]) persistLocked() error {
	buf := appendUint32(nil, uint32(len(s.curr.runs)))
	for _, r := range s.curr.runs {
		buf = appendRunName(buf, r.table.Path())
		buf = appendUint64(buf, r.tag)
	}
	return s.meta.rewrite(buf)
}

func decodeSizeTieredCatalog[K cmp.Ordered, V any](raw []byte, dir string, codecs codec.Pair[K, V]) (*sizeTieredCatalog[K, V], error) {
	c := &byteCursor{data: raw}
	count, err := c.uint32()
	if err != nil {
		return nil, err
	}
	catalog := &sizeTieredCatalog[K, V]{runs: make([]sizeTieredRun[K, V], 0, count)}
	for i := uint32(0); i < count; i++ {
		name, err := c.runName()
		if err != nil {
			return nil, err
		}
		tag, err := c.uint64()
		if err != nil {
			return nil, err
		}
		table, err := sstable.Open(filepath.Join(dir, name), codecs)
		if err != nil {
			return nil, err
		}
		catalog.runs = append(catalog.runs, sizeTieredRun[K, V]{table: table, tag: tag})
	}
	catalog.compactedThrough = catalog.maxTag()
	return catalog, nil
}

func closeSources[K cmp.Ordered, V any](sources []entryIterator[K, V]) {
	for _, src := range sources {
		src.Close()
	}
}

// firstKey and lastKey walk a strategy's merged view to its edges.
// Tombstones are already filtered, so the first and last yielded keys
// are the live extremes.
func firstKey[K cmp.Ordered, V any](s CompactionStrategy[K, V]) (K, bool, error) {
	var zero K
	it, err := s.Iter()
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	if !it.Next() {
		return zero, false, it.Err()
	}
	return it.Key(), true, nil
}

func lastKey[K cmp.Ordered, V any](s CompactionStrategy[K, V]) (K, bool, error) {
	var zero K
	it, err := s.Iter()
	if err != nil {
		return zero, false, err
	}
	defer it.Close()
	var last K
	found := false
	for it.Next() {
		last = it.Key()
		found = true
	}
	if err := it.Err(); err != nil {
		return zero, false, err
	}
	return last, found, nil
}
