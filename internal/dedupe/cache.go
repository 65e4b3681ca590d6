// ABOUTME: Thread-safe TTL cache for dropping redelivered transport events
// ABOUTME: Backed by ttlcache with a size cap; the Matrix bot keys it by event id

package dedupe

import (
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v2"
)

// Cache tracks seen keys for a fixed window. Once the size limit is reached
// the oldest entries are evicted first.
type Cache struct {
	mu    sync.Mutex
	items *ttlcache.Cache
}

// New creates a dedupe cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	items := ttlcache.NewCache()
	_ = items.SetTTL(ttl)
	items.SetCacheSizeLimit(maxSize)
	// Re-reading a key must not extend its window
	items.SkipTTLExtensionOnHit(true)
	return &Cache{items: items}
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seenLocked(key) {
		return true
	}
	_ = c.items.Set(key, struct{}{})
	return false
}

func (c *Cache) seenLocked(key string) bool {
	_, err := c.items.Get(key)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return false
	}
	return err == nil
}

// Close stops the cache's expiry goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.items.Close()
}
