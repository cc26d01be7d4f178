package coordinator

import (
	"container/list"
	"sync"
)

// entry is one encoded tile.
type entry struct {
	key   Key
	data  []byte
	etag  string
	empty bool
}

// tileCache is an LRU of encoded tiles bounded by entry count.
type tileCache struct {
	max   int
	items map[Key]*list.Element
	lru   *list.List // most recent at front
	bytes int64
	mu    sync.Mutex
}

func newTileCache(maxEntries int) *tileCache {
	return &tileCache{
		max:   maxEntries,
		items: make(map[Key]*list.Element),
		lru:   list.New(),
	}
}

func (c *tileCache) get(k Key) (*entry, bool) {
	if c.max <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[k]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry), true
}

func (c *tileCache) add(e *entry) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[e.key]; ok {
		old := el.Value.(*entry)
		c.bytes += int64(len(e.data) - len(old.data))
		el.Value = e
		c.lru.MoveToFront(el)
		return
	}

	for c.lru.Len() >= c.max {
		c.evictLocked()
	}
	c.items[e.key] = c.lru.PushFront(e)
	c.bytes += int64(len(e.data))
}

// evictLocked drops the least recently used entry. c.mu must be held.
func (c *tileCache) evictLocked() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.items, e.key)
	c.bytes -= int64(len(e.data))
}

func (c *tileCache) len() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.bytes
}
