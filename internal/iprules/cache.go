package iprules

import (
	"container/list"
	"net/netip"
	"sync"
	"sync/atomic"

	"grimm.is/appwall/internal/policy"
)

type cacheKey struct {
	uid  policy.UID
	addr netip.Addr
	port uint16
}

type cacheEntry struct {
	rule  Rule
	found bool
}

type cacheNode struct {
	key   cacheKey
	entry cacheEntry
	elem  *list.Element
}

// resultsCache is a concurrent-safe LRU of resolved lookups. Every rule
// mutation can change the answer for many addresses (subnets, universal
// scope), so mutations clear it wholesale and bump the generation; a lookup
// computed under an older generation is not stored.
//
// Hits take only the read lock. Recency is promoted when the write lock is
// free, so concurrent readers never wait on each other.
type resultsCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*cacheNode
	lru     *list.List // front = most recent
	maxSize int
	gen     uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newResultsCache(maxSize int) *resultsCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &resultsCache{
		entries: make(map[cacheKey]*cacheNode),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// get returns the cached entry and the current generation.
func (c *resultsCache) get(k cacheKey) (cacheEntry, uint64, bool) {
	c.mu.RLock()
	node, ok := c.entries[k]
	gen := c.gen
	var e cacheEntry
	if ok {
		e = node.entry
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return cacheEntry{}, gen, false
	}
	c.hits.Add(1)
	c.promote(k, node)
	return e, gen, true
}

// promote moves node to the front unless another goroutine holds the lock.
// The node may have been evicted or invalidated since it was read.
func (c *resultsCache) promote(k cacheKey, node *cacheNode) {
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()
	if c.entries[k] == node {
		c.lru.MoveToFront(node.elem)
	}
}

func (c *resultsCache) put(k cacheKey, e cacheEntry, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if node, ok := c.entries[k]; ok {
		node.entry = e
		c.lru.MoveToFront(node.elem)
		return
	}
	if c.lru.Len() >= c.maxSize {
		if back := c.lru.Back(); back != nil {
			old := back.Value.(*cacheNode)
			c.lru.Remove(back)
			delete(c.entries, old.key)
		}
	}
	node := &cacheNode{key: k, entry: e}
	node.elem = c.lru.PushFront(node)
	c.entries[k] = node
}

func (c *resultsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.entries)
	c.lru.Init()
}

func (c *resultsCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
