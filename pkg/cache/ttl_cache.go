// Package cache provides a sharded in-memory TTL cache. It backs hot lookup
// paths that would otherwise hit SQLite on every signal: user tier
// classification and latest market scores.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// TTLCache is a sharded key/value cache where entries expire after a fixed
// TTL. Expired entries are treated as misses and reaped lazily.
type TTLCache[V any] struct {
	ttl    time.Duration
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// New creates a cache whose entries expire ttl after Set. A zero ttl means
// entries never expire.
func New[V any](ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *TTLCache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *TTLCache[V]) expired(e entry[V]) bool {
	return c.ttl > 0 && time.Since(e.storedAt) > c.ttl
}

// Set stores a value under key, resetting its TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, storedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the value for key, or a miss when absent or expired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetWithAge returns the value and how long ago it was stored.
func (c *TTLCache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.expired(e) {
		var zero V
		return zero, 0, false
	}
	return e.value, time.Since(e.storedAt), true
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts live entries, skipping expired ones.
func (c *TTLCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if !c.expired(e) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Reap removes expired entries and returns how many were dropped. Callers
// run this on a timer; the cache stays correct without it.
func (c *TTLCache[V]) Reap() int {
	if c.ttl <= 0 {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-c.ttl)
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if e.storedAt.Before(cutoff) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
