package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ResponseCache stores encoded forward responses keyed by request digest.
// A pipeline is pure with respect to its input, so identical request bodies
// always produce identical responses.
type ResponseCache interface {
	// Get retrieves a response from the cache.
	Get(key uint64) ([]byte, bool)
	// Put stores a response in the cache.
	Put(key uint64, body []byte)
	// Size returns the number of items in the cache.
	Size() int
}

// Key digests a request body.
func Key(variant string, body []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(variant)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(body)
	return d.Sum64()
}

// MapCache is a bounded in-memory ResponseCache. When full, the oldest
// entry is evicted.
type MapCache struct {
	data     map[uint64][]byte
	order    []uint64
	capacity int
	mu       sync.RWMutex
}

func NewMapCache(capacity int) *MapCache {
	if capacity < 1 {
		capacity = 1
	}
	return &MapCache{
		data:     make(map[uint64][]byte, capacity),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key uint64) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		cacheHits.Inc()
		dst := make([]byte, len(v))
		copy(dst, v)
		return dst, true
	}
	cacheMisses.Inc()
	return nil, false
}

func (c *MapCache) Put(key uint64, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		if len(c.order) >= c.capacity {
			delete(c.data, c.order[0])
			c.order = c.order[1:]
			cacheEvictions.Inc()
		}
		c.order = append(c.order, key)
	}

	// Store copy
	dst := make([]byte, len(body))
	copy(dst, body)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
