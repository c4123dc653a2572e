package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.05)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, f.Contains([]byte(fmt.Sprintf("key-%06d", i))))
	}
}

func TestFalsePositiveRate(t *testing.T) {
	f := New(1000, 0.05)
	for i := 0; i < 1000; i++ {
		f.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}
	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if f.Contains([]byte(fmt.Sprintf("absent-%06d", i))) {
			falsePositives++
		}
	}
	// Allow generous slack over the configured 5% so the test stays
	// stable across hash behavior changes.
	assert.Less(t, falsePositives, probes/5)
}

func TestTinyHint(t *testing.T) {
	f := New(0, 0.05)
	f.Add([]byte("only"))
	assert.True(t, f.Contains([]byte("only")))
}

func TestMarshalRoundTrip(t *testing.T) {
	f := New(100, 0.01)
	for i := 0; i < 100; i++ {
		f.Add([]byte(fmt.Sprintf("k%d", i)))
	}
	raw, err := f.MarshalBinary()
	require.NoError(t, err)

	restored := &Filter{}
	require.NoError(t, restored.UnmarshalBinary(raw))
	for i := 0; i < 100; i++ {
		assert.True(t, restored.Contains([]byte(fmt.Sprintf("k%d", i))))
	}
	assert.Equal(t, f.hashes, restored.hashes)
}

func TestUnmarshalTruncated(t *testing.T) {
	restored := &Filter{}
	assert.Error(t, restored.UnmarshalBinary([]byte{1, 2}))
	assert.Error(t, restored.UnmarshalBinary([]byte{0, 0, 0, 0}))
}
