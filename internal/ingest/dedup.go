package ingest

import (
	"container/list"
	"sync"
	"time"
)

type dedupEntry struct {
	seenAt  time.Time
	element *list.Element
}

// DedupCache remembers delivery IDs for a TTL, bounded by maxSize. Insertion
// order lives in a linked list so the oldest key is evicted in O(1). Entries
// are lost on restart; downstream handling is idempotent.
type DedupCache struct {
	mu      sync.Mutex
	seen    map[string]*dedupEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func NewDedupCache(ttl time.Duration, maxSize int) *DedupCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &DedupCache{
		seen:    make(map[string]*dedupEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was seen inside the window. A new or
// expired key is marked and false is returned.
func (c *DedupCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &dedupEntry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// expireLocked drops expired keys from the front. Keys are appended in seen
// order, so the scan stops at the first live one.
func (c *DedupCache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

// Len returns the number of remembered keys.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
