package artifact

import "container/list"

// lruCache is a byte-budget-bounded cache of resolved artifacts, built on
// container/list since no LRU library is present anywhere in the retrieved
// corpus (see DESIGN.md). Eviction skips any entry the caller reports as
// still in use by a live instance.
type lruCache struct {
	maxBytes   int64
	usedBytes  int64
	ll         *list.List
	items      map[string]*list.Element
	inUse      func(id string) bool
}

type lruEntry struct {
	id       string
	artifact *artifactRecord
	size     int64
}

func newLRUCache(maxBytes int64, inUse func(id string) bool) *lruCache {
	return &lruCache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		inUse:    inUse,
	}
}

func (c *lruCache) get(id string) (*artifactRecord, bool) {
	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).artifact, true
}

func (c *lruCache) put(id string, rec *artifactRecord, size int64) {
	if el, ok := c.items[id]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*lruEntry)
		c.usedBytes += size - entry.size
		entry.artifact = rec
		entry.size = size
		c.evictIfOverBudget()
		return
	}
	el := c.ll.PushFront(&lruEntry{id: id, artifact: rec, size: size})
	c.items[id] = el
	c.usedBytes += size
	c.evictIfOverBudget()
}

func (c *lruCache) evictIfOverBudget() {
	if c.maxBytes <= 0 {
		return
	}
	for c.usedBytes > c.maxBytes {
		el := c.evictionCandidate()
		if el == nil {
			return
		}
		entry := el.Value.(*lruEntry)
		c.ll.Remove(el)
		delete(c.items, entry.id)
		c.usedBytes -= entry.size
	}
}

// evictionCandidate walks from the back (least recently used) and returns
// the first entry not reported in use, or nil if every entry is in use.
func (c *lruCache) evictionCandidate() *list.Element {
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*lruEntry)
		if c.inUse == nil || !c.inUse(entry.id) {
			return el
		}
	}
	return nil
}
