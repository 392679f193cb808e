package cache

import (
	"sync"
)

// MapCache is a concurrency-safe in-memory keyed store shared between request
// handlers. Values are stored as-is, so V should be immutable or a value type.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[key]
	return v, ok
}

// GetOrCreate returns the cached value for key, building it with create on a
// miss. hit reports whether the value was already present. create runs under
// the write lock, so concurrent misses on the same key build it only once. A
// failed create stores nothing.
func (c *MapCache[K, V]) GetOrCreate(key K, create func() (V, error)) (val V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.data[key] = v
	return v, false, nil
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
