// ABOUTME: Remembers which membership-wall events carry which retry payload
// ABOUTME: Backed by ttlcache so abandoned walls age out of memory

package matrix

import (
	"time"

	"github.com/jellydator/ttlcache/v2"
	"maunium.net/go/mautrix/id"
)

// DefaultWallTTL is how long a wall answers reactions from memory.
const DefaultWallTTL = 24 * time.Hour

const maxWalls = 50000

type walls struct {
	cache *ttlcache.Cache
}

func newWalls(ttl time.Duration) *walls {
	if ttl <= 0 {
		ttl = DefaultWallTTL
	}
	c := ttlcache.NewCache()
	_ = c.SetTTL(ttl)
	c.SetCacheSizeLimit(maxWalls)
	c.SkipTTLExtensionOnHit(true)
	return &walls{cache: c}
}

func (w *walls) put(evt id.EventID, payload string) {
	_ = w.cache.Set(evt.String(), payload)
}

func (w *walls) get(evt id.EventID) (string, bool) {
	v, err := w.cache.Get(evt.String())
	if err != nil {
		// ttlcache.ErrNotFound for unknown or expired walls
		return "", false
	}
	payload, ok := v.(string)
	return payload, ok
}

func (w *walls) forget(evt id.EventID) {
	_ = w.cache.Remove(evt.String())
}

func (w *walls) close() {
	_ = w.cache.Close()
}
