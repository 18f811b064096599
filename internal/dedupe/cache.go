// ABOUTME: Bounded TTL cache of change-event fingerprints
// ABOUTME: Lets the realtime dispatcher drop redelivered events from at-least-once buses

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a fingerprint is remembered.
	DefaultTTL = 2 * time.Minute
	// DefaultMaxSize bounds memory under bursty write load.
	DefaultMaxSize = 10000
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Cache remembers fingerprints for a TTL, evicting the oldest entry when
// full. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source. Tests use it to expire entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache and starts its expiry loop. Non-positive arguments
// fall back to DefaultTTL and DefaultMaxSize.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.expireLoop()
	return c
}

// Seen reports whether key was recorded within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// CheckAndMark reports whether key is a duplicate and records it if not.
// The check and the mark happen under one lock.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(e.elem)
		delete(c.seen, key)
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			k, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, k)
		}
	}
	c.seen[key] = &entry{seenAt: now, elem: c.order.PushBack(key)}
	return false
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Close stops the expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) expireLoop() {
	interval := c.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops entries older than the TTL. Entries are in insertion order,
// so the walk stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		k, _ := front.Value.(string)
		e := c.seen[k]
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, k)
	}
}
