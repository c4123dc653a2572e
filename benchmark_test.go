package lsmkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func benchMap(b *testing.B) *LsmMap[uint64, string] {
	b.Helper()
	s, err := NewSizeTiered(SizeTieredOptions{
		Path:            b.TempDir(),
		MinRunCount:     4,
		MinRunSize:      2 * 1024 * 1024,
		BucketLow:       0.5,
		BucketHigh:      1.5,
		MaxInMemorySize: 4 * 1024 * 1024,
		Logger:          quietLogger(),
	}, testCodecs)
	require.NoError(b, err)
	m := New(s, testCodecs)
	b.Cleanup(func() { m.Close() })
	return m
}

func BenchmarkInsert(b *testing.B) {
	m := benchMap(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.Insert(uint64(i), fmt.Sprintf("value-%d", i)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	m := benchMap(b)
	const keys = 100000
	for i := uint64(0); i < keys; i++ {
		if err := m.Insert(i, fmt.Sprintf("value-%d", i)); err != nil {
			b.Fatal(err)
		}
	}
	if err := m.Flush(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, err := m.Get(uint64(i) % keys)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkIterate(b *testing.B) {
	m := benchMap(b)
	for i := uint64(0); i < 100000; i++ {
		if err := m.Insert(i, "v"); err != nil {
			b.Fatal(err)
		}
	}
	if err := m.Flush(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := m.Iter()
		if err != nil {
			b.Fatal(err)
		}
		for it.Next() {
		}
		if err := it.Err(); err != nil {
			b.Fatal(err)
		}
		it.Close()
	}
}
