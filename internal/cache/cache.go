// Package cache memoises approved responses keyed by query fingerprint.
// Bounded LRU with per-entry TTL; expired entries are ignored on read and
// evicted lazily.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/copp1723/unified-vendora-final/internal/model"
)

type ResultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	clock   func() time.Time
}

type cacheItem struct {
	key       string
	value     *model.Response
	expiresAt time.Time
}

func New(maxSize int, ttl time.Duration) *ResultCache {
	return NewWithClock(maxSize, ttl, time.Now)
}

func NewWithClock(maxSize int, ttl time.Duration, clock func() time.Time) *ResultCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ResultCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clock,
	}
}

// Lookup returns a copy of the cached response, or nil. A hit refreshes
// the entry's LRU position.
func (c *ResultCache) Lookup(fingerprint string) *model.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[fingerprint]
	if !exists {
		return nil
	}
	item := elem.Value.(*cacheItem)
	if c.clock().After(item.expiresAt) {
		c.removeElement(elem)
		return nil
	}
	c.lru.MoveToFront(elem)

	out := *item.value
	return &out
}

// Store inserts or refreshes an entry, evicting the least recently used
// entry when over capacity.
func (c *ResultCache) Store(fingerprint string, resp *model.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val := *resp
	if elem, exists := c.items[fingerprint]; exists {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.value = &val
		item.expiresAt = c.clock().Add(c.ttl)
		return
	}

	item := &cacheItem{
		key:       fingerprint,
		value:     &val,
		expiresAt: c.clock().Add(c.ttl),
	}
	c.items[fingerprint] = c.lru.PushFront(item)

	if c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Evict removes an entry if present.
func (c *ResultCache) Evict(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, exists := c.items[fingerprint]; exists {
		c.removeElement(elem)
	}
}

// SetTTL changes the TTL applied to subsequent stores.
func (c *ResultCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *ResultCache) removeElement(elem *list.Element) {
	c.lru.Remove(elem)
	delete(c.items, elem.Value.(*cacheItem).key)
}
