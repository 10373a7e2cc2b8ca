package participant

import "sync"

// Cache maps canonical recipient keys to participant ids. One Cache is
// shared by every Resolver of a process; it is only filled after the
// resolving transaction commits.
type Cache struct {
	mu  sync.RWMutex
	ids map[string]int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{ids: make(map[string]int64)}
}

// Get returns the cached id for key.
func (c *Cache) Get(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[key]
	return id, ok
}

// Put records id for key.
func (c *Cache) Put(key string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[key] = id
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// ClearAll drops every entry. Call after bulk participant updates.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.ids)
}
