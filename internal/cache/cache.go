// Package cache implements the keyed caches that sit in front of the remote
// service and the image decoder.
//
// Every cache shares one contract: an entry is usable only while its version
// matches the cache's current version and it is younger than the TTL.
// Eviction is by insertion order; reads never refresh an entry's position.
package cache

import (
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Policy parameterizes one cache.
type Policy struct {
	Name string `yaml:"-"`
	// TTL of zero keeps entries for the whole session.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
	// Cap of zero means unbounded.
	Cap     int `yaml:"cap" validate:"gte=0"`
	Version int `yaml:"version" validate:"gte=0"`
}

// Entry is one stored value with its validity metadata.
type Entry[V any] struct {
	Value     V
	Timestamp time.Time
	Version   int
}

// Observer receives hit/miss/eviction counts. *metrics.Metrics satisfies it.
type Observer interface {
	CacheHit(cache string)
	CacheMiss(cache string)
	CacheEvicted(cache string)
}

// Cache is a TTL and version checked cache with insertion-order eviction.
// It is not safe for concurrent use; caches are owned by the run loop.
type Cache[K comparable, V any] struct {
	policy  Policy
	version int
	lru     *simplelru.LRU[K, Entry[V]]
	now     func() time.Time

	onEvict   func(K, V)
	observer  Observer
	replacing bool
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides time.Now.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// WithOnEvict registers a hook that runs whenever an entry leaves the cache,
// whether by capacity eviction, Delete or Purge.
func WithOnEvict[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithObserver reports hits, misses and evictions.
func WithObserver[K comparable, V any](o Observer) Option[K, V] {
	return func(c *Cache[K, V]) { c.observer = o }
}

// New creates a cache with the given policy.
func New[K comparable, V any](p Policy, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		policy:  p,
		version: p.Version,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	size := p.Cap
	if size <= 0 {
		size = math.MaxInt32
	}
	// NewLRU only fails for a non-positive size.
	c.lru, _ = simplelru.NewLRU[K, Entry[V]](size, c.evicted)
	return c
}

// Name returns the policy name.
func (c *Cache[K, V]) Name() string { return c.policy.Name }

// Policy returns the cache's policy.
func (c *Cache[K, V]) Policy() Policy { return c.policy }

// Get returns the value for k if it is present and still valid.
// Expired or version-mismatched entries are misses even though they stay
// physically present until evicted.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	e, ok := c.lru.Peek(k)
	if !ok || !c.valid(e) {
		c.miss()
		var zero V
		return zero, false
	}
	if c.observer != nil {
		c.observer.CacheHit(c.policy.Name)
	}
	return e.Value, true
}

// Entry returns the raw entry for k without checking validity.
func (c *Cache[K, V]) Entry(k K) (Entry[V], bool) {
	return c.lru.Peek(k)
}

// Contains reports whether k has a valid entry without counting a lookup.
func (c *Cache[K, V]) Contains(k K) bool {
	e, ok := c.lru.Peek(k)
	return ok && c.valid(e)
}

// Set stores v under k at the current version. Replacing a key releases the
// old value and moves the key to the newest insertion position.
func (c *Cache[K, V]) Set(k K, v V) {
	c.SetAt(k, v, c.now())
}

// SetAt is Set with an explicit insertion time, used when restoring persisted
// entries so they keep their original age.
func (c *Cache[K, V]) SetAt(k K, v V, ts time.Time) {
	if c.lru.Contains(k) {
		c.replacing = true
		c.lru.Remove(k)
		c.replacing = false
	}
	c.lru.Add(k, Entry[V]{Value: v, Timestamp: ts, Version: c.version})
}

// Delete removes k, running the eviction hook.
func (c *Cache[K, V]) Delete(k K) bool {
	return c.lru.Remove(k)
}

// EvictIfOverCapacity removes the earliest-inserted entries until the cache
// is within its cap. It returns the number of entries removed.
func (c *Cache[K, V]) EvictIfOverCapacity() int {
	if c.policy.Cap <= 0 {
		return 0
	}
	n := 0
	for c.lru.Len() > c.policy.Cap {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		n++
	}
	return n
}

// Resize changes the cap and evicts down to it.
func (c *Cache[K, V]) Resize(capacity int) int {
	c.policy.Cap = capacity
	size := capacity
	if size <= 0 {
		size = math.MaxInt32
	}
	return c.lru.Resize(size)
}

// Bump invalidates every entry by advancing the version.
func (c *Cache[K, V]) Bump() {
	c.version++
}

// Version returns the current version.
func (c *Cache[K, V]) Version() int { return c.version }

// Len returns the number of physically present entries, valid or not.
func (c *Cache[K, V]) Len() int { return c.lru.Len() }

// Keys returns keys from earliest to latest inserted.
func (c *Cache[K, V]) Keys() []K { return c.lru.Keys() }

// Purge removes every entry, running the eviction hook for each.
func (c *Cache[K, V]) Purge() { c.lru.Purge() }

func (c *Cache[K, V]) valid(e Entry[V]) bool {
	if e.Version != c.version {
		return false
	}
	if c.policy.TTL > 0 && c.now().Sub(e.Timestamp) >= c.policy.TTL {
		return false
	}
	return true
}

func (c *Cache[K, V]) miss() {
	if c.observer != nil {
		c.observer.CacheMiss(c.policy.Name)
	}
}

func (c *Cache[K, V]) evicted(k K, e Entry[V]) {
	if c.onEvict != nil {
		c.onEvict(k, e.Value)
	}
	if c.observer != nil && !c.replacing {
		c.observer.CacheEvicted(c.policy.Name)
	}
}
