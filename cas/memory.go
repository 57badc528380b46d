package cas

import (
	"bytes"
	"sync"

	"github.com/dgryski/go-farm"
)

// MemoryCAS is an in-memory content-addressable store: a mutex-protected
// map keyed by a farm hash of the serialized bytes.
type MemoryCAS struct {
	mu   sync.RWMutex
	data map[Hash][]byte
}

// NewMemoryCAS creates an empty store.
func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{data: make(map[Hash][]byte)}
}

func (m *MemoryCAS) Put(item Hashable) (Hash, error) {
	var buf bytes.Buffer
	if err := item.Serialize(&buf); err != nil {
		return 0, err
	}
	data := buf.Bytes()
	h := Hash(farm.Hash64(data))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[h]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.data[h] = stored
	}
	return h, nil
}

func (m *MemoryCAS) Has(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[hash]
	return ok
}

func (m *MemoryCAS) Get(hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Len reports the number of distinct items stored, used by callers that
// report "unique states found" style statistics.
func (m *MemoryCAS) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
