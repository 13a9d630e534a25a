package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/nvbus/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero when the cache has no TTL
}

func (e *ttlEntry[V]) expiredAt(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// ttlCache evicts entries ttl after their last Set or Touch.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	items   map[string]*ttlEntry[V]
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a cache whose entries expire ttl after they were last
// written or touched. A ttl <= 0 disables expiry. Expired entries are
// invisible immediately and swept every cleanupInterval until ctx ends or
// Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsOwner)
		if err != nil {
			return nil, errors.WrapTransient(err, "Cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		items:    make(map[string]*ttlEntry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	if ttl > 0 {
		if cleanupInterval <= 0 {
			cleanupInterval = ttl
		}
		go c.cleanup(ctx, cleanupInterval)
	} else {
		close(c.done)
	}

	return c, nil
}

func (c *ttlCache[V]) deadline(now time.Time) time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(c.ttl)
}

func (c *ttlCache[V]) miss() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

// Get retrieves a value, removing the entry if it has expired.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	var zero V
	now := time.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.miss()
		return zero, false
	}

	if entry.expiredAt(now) {
		c.mu.Lock()
		current, still := c.items[key]
		expired := still && current.expiredAt(now)
		if expired {
			delete(c.items, key)
			c.recordEvictions(1, len(c.items))
		}
		c.mu.Unlock()

		if expired && c.evictFn != nil {
			c.evictFn(key, current.value)
		}
		c.miss()
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return entry.value, true
}

// Set stores value and restarts its expiry.
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	now := time.Now()

	c.mu.Lock()
	old, exists := c.items[key]
	created := !exists || old.expiredAt(now)
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: c.deadline(now)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return created, nil
}

// Touch restarts the expiry of a live entry.
func (c *ttlCache[V]) Touch(key string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if !exists || entry.expiredAt(now) {
		return false
	}
	// Replace rather than mutate: readers may hold the old entry pointer.
	c.items[key] = &ttlEntry[V]{key: key, value: entry.value, expiresAt: c.deadline(now)}
	return true
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}
	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return true, nil
}

// Clear removes all entries.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	removed := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range removed {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns unexpired keys only.
func (c *ttlCache[V]) Keys() []string {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expiredAt(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the sweeper and releases metrics. Safe to call more than once.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		if c.metrics != nil {
			c.metrics.unregister()
		}
	})

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache sweeper to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// recordEvictions updates statistics. Caller holds mu.
func (c *ttlCache[V]) recordEvictions(n, size int) {
	for i := 0; i < n; i++ {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := time.Now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if entry.expiredAt(now) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	if len(expired) > 0 {
		c.recordEvictions(len(expired), len(c.items))
	}
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range expired {
			c.evictFn(entry.key, entry.value)
		}
	}
}
