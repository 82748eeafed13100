// ABOUTME: In-process TTL cache that drops redelivered Telegram updates
// ABOUTME: Bounded by entry count with oldest-first eviction and a background sweep of expired keys

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	seenAt  time.Time
	element *list.Element
}

// MemoryCache remembers keys for a TTL, holding at most maxSize of them.
// The list keeps keys in mark order so eviction is O(1).
type MemoryCache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewMemoryCache creates a cache and starts its sweeper, which runs every sweep interval.
func NewMemoryCache(ttl time.Duration, maxSize int, sweep time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	c := &MemoryCache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweep)
	return c
}

// Seen reports whether key was marked within the TTL, marking it if not.
// The check and the mark happen under one lock.
func (c *MemoryCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if entry, ok := c.seen[key]; ok {
		if now.Sub(entry.seenAt) < c.ttl {
			return true, nil
		}
		entry.seenAt = now
		c.order.MoveToBack(entry.element)
		return false, nil
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = &cacheEntry{
		seenAt:  now,
		element: c.order.PushBack(key),
	}
	return false, nil
}

// Len returns the number of tracked keys, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *MemoryCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *MemoryCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Walking from the front stops at the first live key,
// since marks only ever move entries to the back.
func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.seenAt) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}
