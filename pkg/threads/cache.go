// Package threads caches the sidebar thread list. Mutations patch or
// invalidate the cache; nothing here re-fetches wholesale.
package threads

import (
	"sync"
	"time"
)

// Summary is one thread-list entry.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache holds the last fetched thread list.
type Cache struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Summary
	valid bool
}

func NewCache() *Cache {
	return &Cache{byID: make(map[string]Summary)}
}

// Replace installs a freshly fetched list.
func (c *Cache) Replace(list []Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order = c.order[:0]
	c.byID = make(map[string]Summary, len(list))
	for _, s := range list {
		c.order = append(c.order, s.ID)
		c.byID[s.ID] = s
	}
	c.valid = true
}

// List returns the cached entries in order. ok is false when the cache has
// been invalidated and the caller should fetch.
func (c *Cache) List() ([]Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil, false
	}
	out := make([]Summary, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out, true
}

// Patch mutates a single cached entry in place. Unknown ids are ignored.
func (c *Cache) Patch(id string, fn func(*Summary)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[id]
	if !ok {
		return
	}
	fn(&s)
	c.byID[id] = s
}

// Upsert adds or refreshes an entry, new entries going to the front.
func (c *Cache) Upsert(s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[s.ID]; !exists {
		c.order = append([]string{s.ID}, c.order...)
	}
	c.byID[s.ID] = s
}

// Remove drops an entry.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[id]; !exists {
		return
	}
	delete(c.byID, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// ReplaceID rewrites a provisional id to the server-assigned one, keeping
// the entry's position.
func (c *Cache) ReplaceID(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byID[oldID]
	if !ok {
		return
	}
	delete(c.byID, oldID)
	s.ID = newID
	c.byID[newID] = s
	for i, existing := range c.order {
		if existing == oldID {
			c.order[i] = newID
			break
		}
	}
}

// Invalidate marks the cache stale so the next consumer re-fetches.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
