// Package cas provides the content-addressable store used to intern LTS
// StateInfo fingerprints.
package cas

import (
	"bytes"
	"errors"
	"io"
)

// Hash identifies a stored item by content. Farm-hashed, 64 bits.
type Hash uint64

// Hashable is anything that can be content-addressed: it serializes to and
// from a byte stream deterministically.
type Hashable interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// ErrNotFound is returned by Get/Retrieve when the hash is not present.
var ErrNotFound = errors.New("cas: hash not found")

// CAS is the storage contract: put an item, get its raw bytes back by hash.
type CAS interface {
	Put(item Hashable) (Hash, error)
	Has(hash Hash) bool
	Get(hash Hash) ([]byte, error)
}

// Retrieve fetches and deserializes the item stored at hash into a fresh
// instance produced by factory.
func Retrieve[T Hashable](store CAS, hash Hash, factory func() T) (T, error) {
	var zero T
	data, err := store.Get(hash)
	if err != nil {
		return zero, err
	}
	out := factory()
	if err := out.Deserialize(bytes.NewReader(data)); err != nil {
		return zero, err
	}
	return out, nil
}
