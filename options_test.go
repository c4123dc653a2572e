package lsmkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeTieredOptionsValidate(t *testing.T) {
	valid := DefaultSizeTieredOptions(t.TempDir())
	require.NoError(t, valid.Validate())

	cases := map[string]struct {
		mutate func(*SizeTieredOptions)
		want   error
	}{
		"empty path":      {func(o *SizeTieredOptions) { o.Path = "" }, ErrInvalidPath},
		"zero run count":  {func(o *SizeTieredOptions) { o.MinRunCount = 0 }, ErrInvalidRunCount},
		"zero run size":   {func(o *SizeTieredOptions) { o.MinRunSize = 0 }, ErrInvalidRunSize},
		"low too small":   {func(o *SizeTieredOptions) { o.BucketLow = 0 }, ErrInvalidBucketRange},
		"low above one":   {func(o *SizeTieredOptions) { o.BucketLow = 1.2 }, ErrInvalidBucketRange},
		"high below one":  {func(o *SizeTieredOptions) { o.BucketHigh = 0.9 }, ErrInvalidBucketRange},
		"zero buffer cap": {func(o *SizeTieredOptions) { o.MaxInMemorySize = 0 }, ErrInvalidMaxInMemorySize},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			opts := valid
			tc.mutate(&opts)
			assert.ErrorIs(t, opts.Validate(), tc.want)
		})
	}
}

func TestLeveledOptionsValidate(t *testing.T) {
	valid := DefaultLeveledOptions(t.TempDir())
	require.NoError(t, valid.Validate())

	cases := map[string]struct {
		mutate func(*LeveledOptions)
		want   error
	}{
		"empty path":        {func(o *LeveledOptions) { o.Path = "" }, ErrInvalidPath},
		"zero run count":    {func(o *LeveledOptions) { o.MaxRunCount = 0 }, ErrInvalidRunCount},
		"zero run size":     {func(o *LeveledOptions) { o.MaxRunSize = 0 }, ErrInvalidRunSize},
		"zero level count":  {func(o *LeveledOptions) { o.MaxInitialLevelCount = 0 }, ErrInvalidLevelCount},
		"growth factor one": {func(o *LeveledOptions) { o.GrowthFactor = 1 }, ErrInvalidGrowthFactor},
		"zero buffer cap":   {func(o *LeveledOptions) { o.MaxInMemorySize = 0 }, ErrInvalidMaxInMemorySize},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			opts := valid
			tc.mutate(&opts)
			assert.ErrorIs(t, opts.Validate(), tc.want)
		})
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := NewSizeTiered(SizeTieredOptions{}, testCodecs)
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewLeveled(LeveledOptions{}, testCodecs)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
