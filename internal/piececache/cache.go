// Package piececache is the bounded read cache in front of the file
// store: whole pieces are cached so several peers requesting blocks of
// the same hot piece cost one disk read. Entries are dropped by LRU
// pressure when the byte budget runs out and by TTL when a piece goes
// cold.
package piececache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Loader produces the value for a missing key, typically by reading a
// piece from disk. It runs outside the cache lock.
type Loader func() ([]byte, error)

// Cache maps piece keys to their bytes, bounded by maxSize.
type Cache struct {
	size, maxSize int64
	ttl           time.Duration
	items         map[string]*item
	lru           lruHeap
	mu            sync.RWMutex

	numCached metrics.EWMA
	numTotal  metrics.EWMA

	closeC chan struct{}
}

// New returns a Cache bounded to maxSize bytes; entries unused for ttl
// are dropped.
func New(maxSize int64, ttl time.Duration) *Cache {
	c := &Cache{
		maxSize:   maxSize,
		ttl:       ttl,
		items:     make(map[string]*item),
		numCached: metrics.NewEWMA1(),
		numTotal:  metrics.NewEWMA1(),
		closeC:    make(chan struct{}),
	}
	go c.meterLoop()
	return c
}

// meterLoop advances the hit-rate EWMAs until Close.
func (c *Cache) meterLoop() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.numCached.Tick()
			c.numTotal.Tick()
		case <-c.closeC:
			return
		}
	}
}

// Close stops the meter goroutine. Cached data is simply garbage.
func (c *Cache) Close() {
	close(c.closeC)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*item)
	for _, i := range c.lru {
		i.timer.Stop()
	}
	c.lru = nil
	c.size = 0
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Size returns the cached bytes.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Utilization reports the recent hit rate in percent.
func (c *Cache) Utilization() int {
	total := c.numTotal.Rate()
	if total == 0 {
		return 0
	}
	return int((100 * c.numCached.Rate()) / total)
}

// Get returns the value for key, calling loader to produce it on a
// miss. Concurrent Gets for the same missing key share one loader call.
func (c *Cache) Get(key string, loader Loader) ([]byte, error) {
	return c.valueOf(c.itemFor(key), loader)
}

// Invalidate drops the cached value for key, if any. A load in flight
// for the old value completes against its own orphaned item and is not
// re-cached.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.items[key]
	if !ok {
		return
	}
	if i.timer != nil {
		c.removeItem(i)
	} else {
		delete(c.items, key)
	}
}

// itemFor finds or registers the item for key and counts the access for
// the hit-rate meters.
func (c *Cache) itemFor(key string) *item {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.numTotal.Update(1)

	i, ok := c.items[key]
	if ok {
		c.numCached.Update(1)
	} else {
		i = &item{key: key}
		c.items[key] = i
	}
	return i
}

// valueOf returns the item's value, running loader under the item's own
// lock if it has not been loaded yet, so only the first of several
// concurrent readers pays for the disk read.
func (c *Cache) valueOf(i *item, loader Loader) ([]byte, error) {
	i.Lock()
	defer i.Unlock()

	if i.loaded {
		if i.err != nil {
			return nil, i.err
		}
		c.touch(i)
		return i.value, nil
	}

	i.value, i.err = loader()
	i.loaded = true
	return c.admit(i)
}

// admit decides what to do with a freshly loaded item: failed loads and
// values bigger than the whole budget are not kept; everything else
// enters the LRU heap, evicting older entries as needed for room.
func (c *Cache) admit(i *item) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i.err != nil {
		delete(c.items, i.key)
		return nil, i.err
	}
	if int64(len(i.value)) > c.maxSize {
		delete(c.items, i.key)
		return i.value, nil
	}

	c.makeRoom(int64(len(i.value)))
	c.size += int64(len(i.value))

	i.lastAccessed = time.Now()
	heap.Push(&c.lru, i)
	i.timer = time.AfterFunc(c.ttl, func() {
		c.mu.Lock()
		c.removeItem(i)
		c.mu.Unlock()
	})
	return i.value, nil
}

// touch refreshes an entry's LRU position and TTL on a cache hit.
func (c *Cache) touch(i *item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i.lastAccessed = time.Now()
	heap.Fix(&c.lru, i.heapIndex)
	i.timer.Reset(c.ttl)
}

// makeRoom evicts least-recently-used entries until need bytes fit.
func (c *Cache) makeRoom(need int64) {
	for c.maxSize-c.size < need {
		c.removeItem(c.lru[0])
	}
}

func (c *Cache) removeItem(i *item) {
	if c.items[i.key] != i {
		return // already evicted or invalidated; a late TTL fire is a no-op
	}
	i.timer.Stop()
	delete(c.items, i.key)
	heap.Remove(&c.lru, i.heapIndex)
	c.size -= int64(len(i.value))
}
