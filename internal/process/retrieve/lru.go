package retrieve

import (
	"container/list"
	"sync"
	"time"

	"github.com/perceptlab/percept/internal/core/domain"
)

// lruCache is a bounded TTL cache for query results. Entries carry the
// profile epoch they were computed under, so a profile commit invalidates
// them without scanning.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key     string
	results []domain.RankedObservation
	expires time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

func (c *lruCache) get(key string) ([]domain.RankedObservation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		return nil, false
	}

	entry := element.Value.(*cacheEntry)

	if time.Now().After(entry.expires) {
		c.order.Remove(element)
		delete(c.items, key)

		return nil, false
	}

	c.order.MoveToFront(element)

	return entry.results, true
}

func (c *lruCache) set(key string, results []domain.RankedObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		entry := element.Value.(*cacheEntry)
		entry.results = results
		entry.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(element)

		return
	}

	element := c.order.PushFront(&cacheEntry{
		key:     key,
		results: results,
		expires: time.Now().Add(c.ttl),
	})
	c.items[key] = element

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}
