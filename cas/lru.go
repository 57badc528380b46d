package cas

import "container/list"

// LRUCache is a CAS wrapper that caches serialized bytes using LRU
// eviction.
type LRUCache struct {
	underlying CAS
	cache      map[Hash]*list.Element
	evictList  *list.List
	maxSize    int
}

type cacheEntry struct {
	hash  Hash
	value []byte
}

// NewLRUCache wraps underlying with an LRU cache of at most maxSize
// entries (0 or negative means the default of 1000).
func NewLRUCache(underlying CAS, maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LRUCache{
		underlying: underlying,
		cache:      make(map[Hash]*list.Element),
		evictList:  list.New(),
		maxSize:    maxSize,
	}
}

func (l *LRUCache) Put(item Hashable) (Hash, error) {
	return l.underlying.Put(item)
}

func (l *LRUCache) Has(hash Hash) bool {
	if _, ok := l.cache[hash]; ok {
		return true
	}
	return l.underlying.Has(hash)
}

func (l *LRUCache) Get(hash Hash) ([]byte, error) {
	if elem, ok := l.cache[hash]; ok {
		l.evictList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, nil
	}

	data, err := l.underlying.Get(hash)
	if err != nil {
		return nil, err
	}
	l.addToCache(hash, data)
	return data, nil
}

func (l *LRUCache) addToCache(hash Hash, value []byte) {
	if elem, ok := l.cache[hash]; ok {
		l.evictList.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	entry := &cacheEntry{hash: hash, value: value}
	elem := l.evictList.PushFront(entry)
	l.cache[hash] = elem

	if l.evictList.Len() > l.maxSize {
		l.evictOldest()
	}
}

func (l *LRUCache) evictOldest() {
	elem := l.evictList.Back()
	if elem != nil {
		l.evictList.Remove(elem)
		entry := elem.Value.(*cacheEntry)
		delete(l.cache, entry.hash)
	}
}

// CacheStats reports current cache occupancy, for CLI/metrics output.
type CacheStats struct {
	Size    int
	MaxSize int
}

func (l *LRUCache) Stats() CacheStats {
	return CacheStats{Size: len(l.cache), MaxSize: l.maxSize}
}
