package resolver

import (
	"container/list"
	"sync"
	"time"

	"github.com/tutti-audio/tutti/internal/domain"
)

// cacheKey identifies one resolved variant of a track.
type cacheKey struct {
	provider domain.ProviderID
	mediaID  string
	quality  domain.Quality
}

type cacheEntry struct {
	key     cacheKey
	handle  domain.StreamHandle
	element *list.Element
}

// HandleCache is an in-memory, capacity-bounded cache of live stream
// handles, shared across playback contexts. Least-recently-resolved
// entries are evicted first; expired handles are dropped on lookup.
type HandleCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[cacheKey]*cacheEntry
	lru      *list.List
	now      func() time.Time
}

// NewHandleCache creates a cache holding at most capacity handles.
func NewHandleCache(capacity int) *HandleCache {
	if capacity <= 0 {
		capacity = 64
	}
	return &HandleCache{
		capacity: capacity,
		entries:  make(map[cacheKey]*cacheEntry),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns a live handle for the key, if one is cached. Expired entries
// are purged and reported as a miss.
func (c *HandleCache) Get(provider domain.ProviderID, mediaID string, quality domain.Quality) (domain.StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{provider, mediaID, quality}
	entry, ok := c.entries[key]
	if !ok {
		return domain.StreamHandle{}, false
	}
	if entry.handle.Expired(c.now()) {
		c.removeLocked(entry)
		return domain.StreamHandle{}, false
	}
	c.lru.MoveToFront(entry.element)
	return entry.handle, true
}

// Put stores a freshly resolved handle, evicting the least-recently-used
// entry when over capacity.
func (c *HandleCache) Put(handle domain.StreamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{handle.Ref.Provider, handle.Ref.MediaID, handle.Quality}
	if entry, ok := c.entries[key]; ok {
		entry.handle = handle
		c.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{key: key, handle: handle}
	entry.element = c.lru.PushFront(entry)
	c.entries[key] = entry

	for len(c.entries) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*cacheEntry))
	}
}

// Invalidate drops every cached variant of the handle's media reference.
// Used when a player reports persistent failure with a handle.
func (c *HandleCache) Invalidate(handle domain.StreamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if key.provider == handle.Ref.Provider && key.mediaID == handle.Ref.MediaID {
			c.removeLocked(entry)
		}
	}
}

// Len returns the number of cached handles.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *HandleCache) removeLocked(entry *cacheEntry) {
	c.lru.Remove(entry.element)
	delete(c.entries, entry.key)
}
