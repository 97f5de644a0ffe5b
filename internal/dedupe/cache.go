// ABOUTME: Thread-safe TTL cache keyed by client-supplied message ids
// ABOUTME: Remembers the outcome of a message so replays can be answered without reprocessing

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	key       string
	value     V
	ready     bool // value has been recorded with Complete
	timestamp time.Time
	element   *list.Element
}

// Cache tracks recently claimed keys for ttl, holding at most maxSize of them.
// The oldest claim is evicted first when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a background sweep every sweepInterval.
// A non-positive sweepInterval defaults to one minute.
func New[V any](ttl time.Duration, maxSize int, sweepInterval time.Duration) *Cache[V] {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[V]{
		seen:    make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep(sweepInterval)
	return c
}

// Claim marks key as in progress. If key was already claimed and has not
// expired it returns dup=true along with the recorded value and whether
// that value is ready. Only the first caller for a key gets dup=false.
func (c *Cache[V]) Claim(key string) (value V, ready bool, dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.timestamp) < c.ttl {
			return e.value, e.ready, true
		}
		c.removeLocked(e)
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	e := &cacheEntry[V]{key: key, timestamp: now}
	e.element = c.order.PushBack(e)
	c.seen[key] = e

	var zero V
	return zero, false, false
}

// Complete records the outcome for a claimed key. Unknown keys are ignored.
func (c *Cache[V]) Complete(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		e.value = value
		e.ready = true
	}
}

// Forget drops key so it can be claimed again, e.g. after a rejected message.
func (c *Cache[V]) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of tracked keys, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache[V]) removeLocked(e *cacheEntry[V]) {
	c.order.Remove(e.element)
	delete(c.seen, e.key)
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*cacheEntry[V]))
}

func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired walks from the oldest claim and stops at the first live one.
func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*cacheEntry[V])
		if now.Sub(e.timestamp) < c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
