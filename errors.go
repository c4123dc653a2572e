package lsmkv

import (
	"errors"

	"github.com/lsmkv/lsmkv/entry"
)

var (
	// ErrCorruption indicates on-disk data that doesn't decode.
	ErrCorruption = entry.ErrCorruption

	// ErrInvalidPath indicates options with an empty directory path.
	ErrInvalidPath = errors.New("path must not be empty")

	// ErrInvalidMaxInMemorySize indicates a zero write buffer limit.
	ErrInvalidMaxInMemorySize = errors.New("max in-memory size must be positive")

	// ErrInvalidRunCount indicates a run count threshold below 1.
	ErrInvalidRunCount = errors.New("run count threshold must be at least 1")

	// ErrInvalidRunSize indicates a zero run size threshold.
	ErrInvalidRunSize = errors.New("run size threshold must be positive")

	// ErrInvalidBucketRange indicates size-tiered bucket bounds that
	// don't satisfy 0 < low <= 1 <= high.
	ErrInvalidBucketRange = errors.New("bucket bounds must satisfy 0 < low <= 1 <= high")

	// ErrInvalidGrowthFactor indicates a leveled growth factor below 2.
	ErrInvalidGrowthFactor = errors.New("growth factor must be at least 2")

	// ErrInvalidLevelCount indicates a zero initial level capacity.
	ErrInvalidLevelCount = errors.New("initial level capacity must be at least 1")
)
