// Package bloom implements the membership filter stored next to each
// table file. A filter answers "definitely absent" or "maybe present"
// so point reads can skip tables without touching their index.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// Filter is a classic bloom filter over serialized keys. It hashes
// once with xxhash and derives the k probe positions from the two
// halves of that 64-bit digest (Kirsch-Mitzenmacher double hashing).
type Filter struct {
	bits   *bitset.BitSet
	hashes uint32
}

// New sizes a filter for n expected keys at the given false positive
// rate. n below 1 is treated as 1 so an empty hint still produces a
// usable filter.
func New(n int, fpRate float64) *Filter {
	if n < 1 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	m := uint(math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{bits: bitset.New(m), hashes: k}
}

// Add records a key in the filter.
func (f *Filter) Add(key []byte) {
	sum := xxhash.Sum64(key)
	h1 := uint32(sum)
	h2 := uint32(sum >> 32)
	for i := uint32(0); i < f.hashes; i++ {
		f.bits.Set(uint(h1+i*h2) % f.bits.Len())
	}
}

// Contains reports whether a key might have been added. False means
// the key was definitely never added.
func (f *Filter) Contains(key []byte) bool {
	sum := xxhash.Sum64(key)
	h1 := uint32(sum)
	h2 := uint32(sum >> 32)
	for i := uint32(0); i < f.hashes; i++ {
		if !f.bits.Test(uint(h1+i*h2) % f.bits.Len()) {
			return false
		}
	}
	return true
}

// MarshalBinary serializes the filter as a hash-count header followed
// by the bitset's own encoding.
func (f *Filter) MarshalBinary() ([]byte, error) {
	bits, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("bloom: marshal bitset: %w", err)
	}
	buf := make([]byte, 4, 4+len(bits))
	binary.BigEndian.PutUint32(buf, f.hashes)
	return append(buf, bits...), nil
}

// UnmarshalBinary restores a filter written by MarshalBinary.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("bloom: filter data too short (%d bytes)", len(data))
	}
	hashes := binary.BigEndian.Uint32(data)
	if hashes == 0 {
		return fmt.Errorf("bloom: filter has zero hash functions")
	}
	bits := &bitset.BitSet{}
	if err := bits.UnmarshalBinary(data[4:]); err != nil {
		return fmt.Errorf("bloom: unmarshal bitset: %w", err)
	}
	f.bits = bits
	f.hashes = hashes
	return nil
}
