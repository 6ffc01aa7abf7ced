package retrieval

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// resultCache holds final reranked result lists under TTL plus an LRU
// cap. Only successful retrievals are stored; errors are never cached.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
}

type cacheItem struct {
	key     string
	docs    []Document
	expires time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// get returns the cached results for key, or nil if absent or expired.
func (c *resultCache) get(key string) ([]Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if time.Now().After(item.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return item.docs, true
}

// put stores results under key, evicting the LRU entry when full.
func (c *resultCache) put(key string, docs []Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := time.Now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		item := el.Value.(*cacheItem)
		item.docs = docs
		item.expires = expires
		return
	}
	if c.order.Len() >= c.capacity {
		back := c.order.Back()
		if back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*cacheItem).key)
		}
	}
	el := c.order.PushFront(&cacheItem{key: key, docs: docs, expires: expires})
	c.items[key] = el
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// cacheKey canonicalizes (query, k, method): whitespace-normalized
// lowercase query hashed with the parameters so equivalent requests
// coalesce onto one entry.
func cacheKey(query string, k int, method Method) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	sum := sha256.Sum256(fmt.Appendf(nil, "%s\x00%d\x00%s", normalized, k, method))
	return hex.EncodeToString(sum[:16])
}
