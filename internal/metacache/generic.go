package metacache

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats are the per-cache read/write counters returned by Statistics, used
// by tests to assert cache behavior.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Inserts uint64
	Drops   uint64
}

// boundedCache is the shape shared by InodeCache, PathCache, and
// Md5PathCache: a size-bounded LRU with pause/resume/drop, each guarded by
// its own lock (spec §5: "MetaCaches each have their own lock").
type boundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	inner    *lru.Cache[K, V]
	capacity int
	paused   bool

	hits    atomic.Uint64
	misses  atomic.Uint64
	inserts atomic.Uint64
	drops   atomic.Uint64
}

// roundCapacity rounds up to the next multiple of 64, per spec §4.5.
func roundCapacity(n int) int {
	if n <= 0 {
		n = 64
	}
	if rem := n % 64; rem != 0 {
		n += 64 - rem
	}
	return n
}

func newBoundedCache[K comparable, V any](capacity int) *boundedCache[K, V] {
	capacity = roundCapacity(capacity)
	inner, err := lru.New[K, V](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// roundCapacity already rules out.
		panic("metacache: " + err.Error())
	}
	return &boundedCache[K, V]{inner: inner, capacity: capacity}
}

// lookup returns the cached value, recording a hit or a miss.
func (c *boundedCache[K, V]) lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.inner.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// insert stores key/value unless the cache is paused. Returns false if the
// cache was paused and the insert was rejected.
func (c *boundedCache[K, V]) insert(key K, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return false
	}
	c.inner.Add(key, value)
	c.inserts.Add(1)
	return true
}

// drop empties the cache. Readers that entered before the drop may still
// hold copies they already retrieved; only future lookups are affected.
func (c *boundedCache[K, V]) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	c.drops.Add(1)
}

// pause rejects further inserts until resume is called. insert() checks
// the paused flag under the same lock, so no insert lands once pause has
// returned; callers need no separate check.
func (c *boundedCache[K, V]) pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *boundedCache[K, V]) resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

func (c *boundedCache[K, V]) statistics() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Inserts: c.inserts.Load(),
		Drops:   c.drops.Load(),
	}
}

func (c *boundedCache[K, V]) entrySize() int {
	return c.capacity
}

func (c *boundedCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}
