package dedup

import (
	"container/list"
	"time"
)

// lruCache is a bounded fingerprint cache with least-recently-used
// eviction. Not safe for concurrent use; MemoryStore serializes access.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	fp        string
	firstSeen time.Time
}

func newLRU(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// get returns the first-seen timestamp and promotes the entry.
func (c *lruCache) get(fp string) (time.Time, bool) {
	el, ok := c.items[fp]
	if !ok {
		return time.Time{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).firstSeen, true
}

// add inserts or refreshes an entry, evicting the coldest one when the
// cache is full.
func (c *lruCache) add(fp string, firstSeen time.Time) {
	if el, ok := c.items[fp]; ok {
		el.Value.(*lruEntry).firstSeen = firstSeen
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{fp: fp, firstSeen: firstSeen})
	c.items[fp] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).fp)
		}
	}
}

func (c *lruCache) len() int { return c.ll.Len() }
