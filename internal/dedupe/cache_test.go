// ABOUTME: Tests for the seen-id cache backing duplicate frame suppression
// ABOUTME: Covers the atomic check-and-record step, TTL expiry, eviction, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_FirstTime(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("msg-1"))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Seen_Duplicate(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("msg-1"))
	assert.True(t, cache.Seen("msg-1"))
	assert.True(t, cache.Seen("msg-1"))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Seen_ExpiredIDIsNewAgain(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("msg-1"))
	time.Sleep(20 * time.Millisecond)

	// The window passed, so the same id counts as new and is re-recorded.
	assert.False(t, cache.Seen("msg-1"))
	assert.True(t, cache.Seen("msg-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		cache.Seen(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, 3, cache.Len())

	// A fourth id pushes out msg-0, which then reads as unseen.
	assert.False(t, cache.Seen("msg-3"))
	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("msg-0"))
}

func TestCache_DropExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("msg-1")
	cache.Seen("msg-2")
	time.Sleep(20 * time.Millisecond)

	cache.dropExpired()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConcurrentSeen(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	const workers = 8
	var dupes sync.Map
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("msg-%d", i)
				if !cache.Seen(id) {
					if _, loaded := dupes.LoadOrStore(id, true); loaded {
						t.Errorf("id %s reported unseen twice", id)
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, cache.Len())
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
