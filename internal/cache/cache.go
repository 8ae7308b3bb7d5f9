// Package cache implements an in-memory key-value store with two independent
// expiry clocks: a time-to-live measured from the last write and an idle
// timeout measured from the last access. Reads refresh the idle clock only;
// writes reset both. Entries are checked lazily on access and additionally
// collected by an optional background sweep.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	mu         sync.Mutex
	value      V
	writtenAt  time.Time
	accessedAt time.Time
}

func (e *entry[V]) expired(now time.Time, ttl, idle time.Duration) bool {
	if ttl > 0 && now.Sub(e.writtenAt) >= ttl {
		return true
	}
	if idle > 0 && now.Sub(e.accessedAt) >= idle {
		return true
	}
	return false
}

// EvictFunc is invoked when an entry leaves the cache, either through expiry,
// explicit invalidation, or replacement by a newer write.
type EvictFunc[K comparable, V any] func(key K, value V)

// Cache is a dual-clock store safe for concurrent use. Operations on
// distinct keys do not block each other; same-key writes are last-write-wins.
type Cache[K comparable, V any] struct {
	entries sync.Map
	ttl     time.Duration
	idle    time.Duration
	onEvict EvictFunc[K, V]
	stopped sync.Once
	stop    chan struct{}
}

// Option configures optional cache behaviour.
type Option[K comparable, V any] func(*Cache[K, V])

// WithEvictFunc registers a callback for removed values.
func WithEvictFunc[K comparable, V any](fn EvictFunc[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New builds a cache whose entries expire ttl after the last write or idle
// after the last access, whichever comes first. A sweep goroutine collects
// expired entries every sweepEvery; pass zero to rely on lazy expiry alone.
func New[K comparable, V any](ttl, idle, sweepEvery time.Duration, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:  ttl,
		idle: idle,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if sweepEvery > 0 {
		go c.sweepLoop(sweepEvery)
	}
	return c
}

// Get returns the live value for key. It never returns a value whose TTL or
// idle clock has elapsed; such entries are removed on the spot.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := raw.(*entry[V])
	now := time.Now()

	e.mu.Lock()
	if e.expired(now, c.ttl, c.idle) {
		e.mu.Unlock()
		c.evict(key, e)
		return zero, false
	}
	e.accessedAt = now
	value := e.value
	e.mu.Unlock()
	return value, true
}

// Set stores value under key, resetting both expiry clocks. A replaced value
// is handed to the evict callback.
func (c *Cache[K, V]) Set(key K, value V) {
	now := time.Now()
	e := &entry[V]{value: value, writtenAt: now, accessedAt: now}
	prev, loaded := c.entries.Swap(key, e)
	if loaded && c.onEvict != nil {
		old := prev.(*entry[V])
		old.mu.Lock()
		value := old.value
		old.mu.Unlock()
		c.onEvict(key, value)
	}
}

// Invalidate removes key unconditionally.
func (c *Cache[K, V]) Invalidate(key K) {
	raw, loaded := c.entries.LoadAndDelete(key)
	if loaded && c.onEvict != nil {
		e := raw.(*entry[V])
		e.mu.Lock()
		value := e.value
		e.mu.Unlock()
		c.onEvict(key, value)
	}
}

// Len counts live entries without refreshing idle clocks.
func (c *Cache[K, V]) Len() int {
	now := time.Now()
	count := 0
	c.entries.Range(func(_, raw any) bool {
		e := raw.(*entry[V])
		e.mu.Lock()
		if !e.expired(now, c.ttl, c.idle) {
			count++
		}
		e.mu.Unlock()
		return true
	})
	return count
}

// Purge removes every entry, invoking the evict callback for each.
func (c *Cache[K, V]) Purge() {
	c.entries.Range(func(key, _ any) bool {
		c.Invalidate(key.(K))
		return true
	})
}

// Stop terminates the background sweep, if any. The cache remains usable.
func (c *Cache[K, V]) Stop() {
	c.stopped.Do(func() { close(c.stop) })
}

func (c *Cache[K, V]) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[K, V]) sweep() {
	now := time.Now()
	c.entries.Range(func(key, raw any) bool {
		e := raw.(*entry[V])
		e.mu.Lock()
		expired := e.expired(now, c.ttl, c.idle)
		e.mu.Unlock()
		if expired {
			c.evict(key.(K), e)
		}
		return true
	})
}

// evict removes key only if it still maps to the same entry, so a concurrent
// Set is never undone by a stale expiry decision.
func (c *Cache[K, V]) evict(key K, e *entry[V]) {
	if !c.entries.CompareAndDelete(key, e) {
		return
	}
	if c.onEvict != nil {
		e.mu.Lock()
		value := e.value
		e.mu.Unlock()
		c.onEvict(key, value)
	}
}
