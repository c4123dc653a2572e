package codec

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64(t *testing.T) {
	c := Uint64{}
	for _, v := range []uint64{0, 1, 42, math.MaxUint64} {
		raw, err := c.Marshal(v)
		require.NoError(t, err)
		assert.Len(t, raw, 8)
		got, err := c.Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}

	_, err := c.Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestInt64(t *testing.T) {
	c := Int64{}
	for _, v := range []int64{math.MinInt64, -1, 0, 1, math.MaxInt64} {
		raw, err := c.Marshal(v)
		require.NoError(t, err)
		got, err := c.Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestString(t *testing.T) {
	c := String{}
	for _, v := range []string{"", "hello", "\x00binary\xff", strings.Repeat("x", 10000)} {
		raw, err := c.Marshal(v)
		require.NoError(t, err)
		got, err := c.Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestBytesCopies(t *testing.T) {
	c := Bytes{}
	src := []byte("mutate me")
	got, err := c.Unmarshal(src)
	require.NoError(t, err)
	src[0] = 'X'
	assert.Equal(t, byte('m'), got[0], "unmarshal must not alias the input")
}

func TestGob(t *testing.T) {
	type record struct {
		Name  string
		Count int
		Tags  []string
	}
	c := Gob[record]{}
	v := record{Name: "widget", Count: 3, Tags: []string{"a", "b"}}
	raw, err := c.Marshal(v)
	require.NoError(t, err)
	got, err := c.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestCompressionWrappers(t *testing.T) {
	payload := strings.Repeat("compressible payload ", 500)
	wrappers := map[string]Codec[string]{
		"snappy": Snappy[string]{Inner: String{}},
		"s2":     S2[string]{Inner: String{}},
		"zstd":   Zstd[string]{Inner: String{}},
	}
	for name, c := range wrappers {
		t.Run(name, func(t *testing.T) {
			raw, err := c.Marshal(payload)
			require.NoError(t, err)
			assert.Less(t, len(raw), len(payload), "repetitive payload should shrink")
			got, err := c.Unmarshal(raw)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestCompressionGarbageInput(t *testing.T) {
	c := Zstd[string]{Inner: String{}}
	_, err := c.Unmarshal([]byte("definitely not a zstd frame"))
	assert.Error(t, err)
}
