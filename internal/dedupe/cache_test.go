// ABOUTME: Tests for the dedupe cache used to drop redelivered events.
// ABOUTME: Validates TTL expiration, size limits, eviction and concurrency safety.

package dedupe

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("$event-1"), "first call marks and reports new")
	assert.False(t, cache.CheckAndMark("$event-2"))
	assert.True(t, cache.CheckAndMark("$event-1"), "second call reports duplicate")
	assert.True(t, cache.CheckAndMark("$event-2"))
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("expiring-key"))
	assert.True(t, cache.CheckAndMark("expiring-key"))

	time.Sleep(30 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("expiring-key"), "an expired key is new again")
}

func TestCache_DuplicateDoesNotExtendWindow(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.CheckAndMark("key")
	time.Sleep(30 * time.Millisecond)
	assert.True(t, cache.CheckAndMark("key"))
	time.Sleep(40 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("key"), "a duplicate hit must not refresh the TTL")
}

func TestCache_Eviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	for _, key := range []string{"first", "second", "third", "fourth"} {
		cache.CheckAndMark(key)
		time.Sleep(2 * time.Millisecond)
	}

	assert.True(t, cache.CheckAndMark("second"))
	assert.True(t, cache.CheckAndMark("third"))
	assert.True(t, cache.CheckAndMark("fourth"))
	assert.False(t, cache.CheckAndMark("first"), "oldest key should be evicted")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var winners int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("contested-key") {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one goroutine should win the race for CheckAndMark")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	assert.False(t, cache.CheckAndMark("before-close"))

	cache.Close()
	cache.Close()
}
