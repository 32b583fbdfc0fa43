package incremental

import (
	"container/list"
	"sync"
	"time"
)

// DocumentState is the cached analysis state for one document URI. It is
// replaced wholesale on each successful analysis.
type DocumentState struct {
	URI          string           `json:"uri"`
	Version      int              `json:"version"`
	Hash         string           `json:"hash"`
	Language     string           `json:"language"`
	Scopes       []*DocumentScope `json:"scopes"`
	LastModified time.Time        `json:"last_modified"`
	LastAnalyzed time.Time        `json:"last_analyzed"`
}

// DocumentCache is a bounded least-recently-used cache of per-document
// analysis state. Exceeding capacity evicts the least-recently-touched
// document's entire state.
type DocumentCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element
}

type docCacheItem struct {
	uri   string
	state *DocumentState
}

// NewDocumentCache creates a cache holding at most capacity documents.
// Non-positive capacities fall back to 100.
func NewDocumentCache(capacity int) *DocumentCache {
	if capacity <= 0 {
		capacity = 100
	}
	return &DocumentCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the cached state for uri, touching its recency, or nil.
func (c *DocumentCache) Get(uri string) *DocumentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[uri]
	if !ok {
		return nil
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*docCacheItem).state
}

// Set stores state for uri, evicting the least-recently-used document when
// over capacity.
func (c *DocumentCache) Set(uri string, state *DocumentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[uri]; ok {
		elem.Value.(*docCacheItem).state = state
		c.order.MoveToFront(elem)
		return
	}
	c.entries[uri] = c.order.PushFront(&docCacheItem{uri: uri, state: state})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*docCacheItem).uri)
	}
}

// Invalidate drops the cached state for uri, reporting whether it existed.
func (c *DocumentCache) Invalidate(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[uri]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.entries, uri)
	return true
}

// Clear drops all cached state.
func (c *DocumentCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Len returns the number of cached documents.
func (c *DocumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
