package lsmkv

import (
	"log/slog"
	"os"
)

// SizeTieredOptions configures a size-tiered compaction strategy.
type SizeTieredOptions struct {
	// Path is the directory the strategy owns. Created if missing.
	Path string

	// MinRunCount is the bucket length a group of similarly sized
	// runs must exceed before it is compacted.
	MinRunCount int

	// MinRunSize is the size in bytes below which runs always share
	// the smallest bucket regardless of relative size.
	MinRunSize uint64

	// BucketLow and BucketHigh bound bucket membership: a run joins
	// the current bucket when avg*BucketLow <= bucketStartSize and
	// runSize <= avg*BucketHigh, where avg is the running average of
	// the bucket including the candidate.
	BucketLow  float64
	BucketHigh float64

	// MaxInMemorySize is the write buffer size in bytes that triggers
	// a flush.
	MaxInMemorySize uint64

	// Logger receives compaction lifecycle events and background
	// errors. Defaults to text output on stderr.
	Logger *slog.Logger
}

// DefaultSizeTieredOptions returns a reasonable starting point for a
// size-tiered store rooted at path.
func DefaultSizeTieredOptions(path string) SizeTieredOptions {
	return SizeTieredOptions{
		Path:            path,
		MinRunCount:     4,
		MinRunSize:      2 * 1024 * 1024,
		BucketLow:       0.5,
		BucketHigh:      1.5,
		MaxInMemorySize: 8 * 1024 * 1024,
	}
}

// Validate checks the options for consistency.
func (o *SizeTieredOptions) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MinRunCount < 1 {
		return ErrInvalidRunCount
	}
	if o.MinRunSize == 0 {
		return ErrInvalidRunSize
	}
	if o.BucketLow <= 0 || o.BucketLow > 1 || o.BucketHigh < 1 {
		return ErrInvalidBucketRange
	}
	if o.MaxInMemorySize == 0 {
		return ErrInvalidMaxInMemorySize
	}
	return nil
}

// LeveledOptions configures a leveled compaction strategy.
type LeveledOptions struct {
	// Path is the directory the strategy owns. Created if missing.
	Path string

	// MaxRunCount is the number of fresh runs allowed to accumulate
	// before they are merged into the levels.
	MaxRunCount int

	// MaxRunSize is the size in bytes at which a compaction output is
	// split into a new run.
	MaxRunSize uint64

	// MaxInitialLevelCount is the run capacity of level 0. Level i
	// holds MaxInitialLevelCount * GrowthFactor^i runs.
	MaxInitialLevelCount int

	// GrowthFactor is the capacity multiplier between adjacent levels.
	GrowthFactor uint64

	// MaxInMemorySize is the write buffer size in bytes that triggers
	// a flush.
	MaxInMemorySize uint64

	// Logger receives compaction lifecycle events and background
	// errors. Defaults to text output on stderr.
	Logger *slog.Logger
}

// DefaultLeveledOptions returns a reasonable starting point for a
// leveled store rooted at path.
func DefaultLeveledOptions(path string) LeveledOptions {
	return LeveledOptions{
		Path:                 path,
		MaxRunCount:          4,
		MaxRunSize:           8 * 1024 * 1024,
		MaxInitialLevelCount: 4,
		GrowthFactor:         10,
		MaxInMemorySize:      8 * 1024 * 1024,
	}
}

// Validate checks the options for consistency.
func (o *LeveledOptions) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.MaxRunCount < 1 {
		return ErrInvalidRunCount
	}
	if o.MaxRunSize == 0 {
		return ErrInvalidRunSize
	}
	if o.MaxInitialLevelCount < 1 {
		return ErrInvalidLevelCount
	}
	if o.GrowthFactor < 2 {
		return ErrInvalidGrowthFactor
	}
	if o.MaxInMemorySize == 0 {
		return ErrInvalidMaxInMemorySize
	}
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
