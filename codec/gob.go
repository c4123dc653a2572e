package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Gob encodes any gob-serializable type. It is the fallback for value
// types that don't have a hand-written codec. Not suitable for keys:
// gob output is not guaranteed byte-for-byte stable across encoder
// instances, so two equal keys could serialize differently.
type Gob[T any] struct{}

func (Gob[T]) Marshal(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gob[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("codec: gob decode: %w", err)
	}
	return v, nil
}
