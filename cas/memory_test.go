package cas

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	Data string
}

func (b *blob) Serialize(w io.Writer) error   { return MarshalTo(w, b) }
func (b *blob) Deserialize(r io.Reader) error { return UnmarshalFrom(r, b) }

func TestMemoryCASPutIsContentAddressed(t *testing.T) {
	store := NewMemoryCAS()

	h1, err := store.Put(&blob{Data: "alpha"})
	require.NoError(t, err)
	h2, err := store.Put(&blob{Data: "alpha"})
	require.NoError(t, err)
	h3, err := store.Put(&blob{Data: "beta"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "identical content must hash identically")
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, 2, store.Len(), "distinct content is stored once each")
}

func TestMemoryCASRetrieve(t *testing.T) {
	store := NewMemoryCAS()
	h, err := store.Put(&blob{Data: "gamma"})
	require.NoError(t, err)

	got, err := Retrieve[*blob](store, h, func() *blob { return &blob{} })
	require.NoError(t, err)
	assert.Equal(t, "gamma", got.Data)

	_, err = store.Get(Hash(0xdeadbeef))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLRUCacheEvicts(t *testing.T) {
	underlying := NewMemoryCAS()
	cache := NewLRUCache(underlying, 2)

	h1, err := cache.Put(&blob{Data: "one"})
	require.NoError(t, err)
	h2, err := cache.Put(&blob{Data: "two"})
	require.NoError(t, err)
	h3, err := cache.Put(&blob{Data: "three"})
	require.NoError(t, err)

	// Warm the cache in put order; h1 becomes least-recently-used once h2
	// and h3 are both retrieved after it.
	_, err = cache.Get(h1)
	require.NoError(t, err)
	_, err = cache.Get(h2)
	require.NoError(t, err)
	_, err = cache.Get(h3)
	require.NoError(t, err)

	stats := cache.Stats()
	assert.LessOrEqual(t, stats.Size, stats.MaxSize)

	// Every hash is still retrievable through the underlying store even if
	// evicted from the in-memory LRU window.
	for _, h := range []Hash{h1, h2, h3} {
		_, err := cache.Get(h)
		assert.NoError(t, err)
	}
}
