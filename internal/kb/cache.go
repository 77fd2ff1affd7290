package kb

import (
	"container/list"
	"sync"
	"time"
)

// responseCache is a bounded TTL cache for search responses, shared across
// all call sessions. Keys are normalized query text.
type responseCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List
	now        func() time.Time
}

type cacheEntry struct {
	key      string
	articles []Article
	storedAt time.Time
}

func newResponseCache(ttl time.Duration, maxEntries int) *responseCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &responseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

func (c *responseCache) get(key string) ([]Article, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	out := make([]Article, len(entry.articles))
	copy(out, entry.articles)
	return out, true
}

func (c *responseCache) put(key string, articles []Article) {
	stored := make([]Article, len(articles))
	copy(stored, articles)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.articles = stored
		entry.storedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, articles: stored, storedAt: c.now()})
	c.entries[key] = el
	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}
