package lsmkv

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lsmkv/lsmkv/entry"
	"github.com/lsmkv/lsmkv/sstable"
)

// CompactionStrategy owns everything below the write buffer: the
// catalog of on-disk runs, the logical clock, background compaction
// and the strategy's directory. LsmMap drives it from a single
// goroutine; implementations run compaction on their own goroutine
// and publish results through the deferred-swap protocol.
type CompactionStrategy[K cmp.Ordered, V any] interface {
	// Path returns the directory new runs are flushed into.
	Path() string

	// MaxInMemorySize returns the buffer size that triggers a flush.
	MaxInMemorySize() uint64

	// NextLogicalTime returns the next version stamp and persists the
	// advanced clock.
	NextLogicalTime() (uint64, error)

	// TryCompact registers a freshly flushed run and starts a
	// background compaction if thresholds are exceeded and none is
	// already running.
	TryCompact(run *sstable.SSTable[K, V]) error

	// Flush blocks until any in-flight compaction finishes and its
	// result is visible.
	Flush() error

	// Get returns the newest version recorded for key, tombstones
	// included. The bool is false when no run holds the key.
	Get(key K) (entry.VersionedValue[V], bool, error)

	// Iter returns a merged iterator over all persisted state, with
	// tombstones filtered out.
	Iter() (Iterator[K, V], error)

	// Len returns the exact number of live keys. Costs a full scan.
	Len() (int, error)

	// LenHint returns a cheap upper bound on Len from run summaries.
	LenHint() (int, error)

	// Min returns the smallest live key.
	Min() (K, bool, error)

	// Max returns the largest live key.
	Max() (K, bool, error)

	// Clear removes every run and empties the catalog. The logical
	// clock keeps advancing so versions stay monotonic.
	Clear() error

	// Close waits for background work and releases files. The catalog
	// stays on disk for a later Open.
	Close() error
}

const (
	metadataFileName    = "metadata.dat"
	logicalTimeFileName = "logical_time.dat"
)

// logicalClock is the persistent version counter. Every stamp is
// written through to disk before it is handed out so a reopened store
// never reissues a version.
type logicalClock struct {
	f   *os.File
	now uint64
}

func openLogicalClock(dir string) (*logicalClock, error) {
	f, err := os.OpenFile(filepath.Join(dir, logicalTimeFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open logical clock: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat logical clock: %w", err)
	}
	c := &logicalClock{f: f}
	if info.Size() >= 8 {
		var buf [8]byte
		if _, err := f.ReadAt(buf[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("read logical clock: %w", err)
		}
		c.now = binary.BigEndian.Uint64(buf[:])
	} else if err := c.store(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *logicalClock) next() (uint64, error) {
	t := c.now
	c.now++
	if err := c.store(); err != nil {
		c.now = t
		return 0, err
	}
	return t, nil
}

func (c *logicalClock) store() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.now)
	if _, err := c.f.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write logical clock: %w", err)
	}
	return nil
}

func (c *logicalClock) Close() error { return c.f.Close() }

// metadataFile persists a strategy's catalog. The file is rewritten
// in full after every catalog mutation.
type metadataFile struct {
	f *os.File
}

func openMetadataFile(dir string) (*metadataFile, error) {
	f, err := os.OpenFile(filepath.Join(dir, metadataFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	return &metadataFile{f: f}, nil
}

func (m *metadataFile) load() ([]byte, error) {
	info, err := m.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat metadata: %w", err)
	}
	raw := make([]byte, info.Size())
	if _, err := m.f.ReadAt(raw, 0); err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	return raw, nil
}

func (m *metadataFile) rewrite(raw []byte) error {
	if err := m.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate metadata: %w", err)
	}
	if _, err := m.f.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	return nil
}

func (m *metadataFile) Close() error { return m.f.Close() }

// sweepRunDirs removes run directories under dir that the catalog no
// longer references. Only safe when no compaction is writing.
func sweepRunDirs(dir string, keep map[string]bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list run dirs: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("remove run dir %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Catalog encoding helpers. Run references are stored as the base
// name of the run's directory.

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendRunName(buf []byte, path string) []byte {
	name := filepath.Base(path)
	buf = appendUint32(buf, uint32(len(name)))
	return append(buf, name...)
}

type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) uint32() (uint32, error) {
	raw, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (c *byteCursor) uint64() (uint64, error) {
	raw, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (c *byteCursor) runName() (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	raw, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *byteCursor) take(n int) ([]byte, error) {
	if c.pos+n > len(c.data) {
		return nil, fmt.Errorf("%w: metadata needs %d bytes at offset %d, have %d",
			ErrCorruption, n, c.pos, len(c.data)-c.pos)
	}
	out := c.data[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}
