// ABOUTME: TTL and size bounded cache of recently seen message ids
// ABOUTME: At-least-once delivery makes duplicates legal; this keeps dispatch single-shot

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered message id, oldest at the front of the list.
type entry struct {
	id       string
	markedAt time.Time
}

// Cache remembers message ids for a bounded window so the dispatch loop can
// drop redelivered frames. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	byID    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New builds a cache holding at most maxSize ids, each for at most ttl.
// A background sweeper drops expired ids between lookups.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		byID:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen reports whether id was already recorded within the window, recording
// it when it was not. The check and the record are one atomic step.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if elem, ok := c.byID[id]; ok {
		e := elem.Value.(*entry)
		if now.Sub(e.markedAt) < c.ttl {
			return true
		}
		// Expired entry for the same id: refresh in place.
		e.markedAt = now
		c.order.MoveToBack(elem)
		return false
	}

	if c.order.Len() >= c.maxSize {
		c.dropOldest()
	}
	c.byID[id] = c.order.PushBack(&entry{id: id, markedAt: now})
	return false
}

// Len returns the number of remembered ids, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.byID, front.Value.(*entry).id)
}

func (c *Cache) sweep() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.dropExpired()
		case <-c.done:
			return
		}
	}
}

// dropExpired trims from the front; the list stays ordered by markedAt because
// marks and refreshes always move entries to the back.
func (c *Cache) dropExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for front := c.order.Front(); front != nil; {
		e := front.Value.(*entry)
		if now.Sub(e.markedAt) < c.ttl {
			break
		}
		next := front.Next()
		c.order.Remove(front)
		delete(c.byID, e.id)
		front = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
