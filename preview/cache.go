package preview

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var errNotInCache = errors.New("the entry isn't in cache")

type cachedEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is the single cache policy used for collaborator data: entries are keyed
// by string, live for a fixed TTL and are dropped by a cleanup loop. OnEvict is
// called for every entry leaving the cache, e.g. to close an image handle.
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	onEvict func(key string, value V)
	now     func() time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	entries map[string]cachedEntry[V]
}

// NewCache creates a cache. A positive cleanupInterval starts a background loop
// removing expired entries; expired entries are never returned either way.
func NewCache[V any](name string, ttl, cleanupInterval time.Duration, onEvict func(string, V)) *Cache[V] {
	log.Info("Creating ", name, " cache with ttl ", ttl, " and cleanup interval ", cleanupInterval)
	c := &Cache[V]{
		name:    name,
		ttl:     ttl,
		onEvict: onEvict,
		now:     time.Now,
		stop:    make(chan struct{}),
		entries: make(map[string]cachedEntry[V]),
	}
	if cleanupInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.cleanupLoop(cleanupInterval)
		}()
	}
	return c
}

func (c *Cache[V]) cleanupLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Cleanup()
		}
	}
}

// Cleanup evicts every expired entry.
func (c *Cache[V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			log.Debug(c.name, " entry expired: ", key)
			c.evictLocked(key, e)
		}
	}
}

// Put stores value under key, replacing (and evicting) any previous value.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.evictLocked(key, old)
	}
	c.entries[key] = cachedEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	log.Debugf("There are now %d items in %s cache", len(c.entries), c.name)
}

// Get returns the value under key unless it is missing or expired.
func (c *Cache[V]) Get(key string) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		log.Debug(c.name, " cache miss for ", key)
		var zero V
		return zero, errNotInCache
	}
	return e.value, nil
}

// Delete evicts key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.evictLocked(key, e)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Empty evicts every entry.
func (c *Cache[V]) Empty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debug("Emptying complete ", c.name, " cache.")
	for key, e := range c.entries {
		c.evictLocked(key, e)
	}
}

// Close stops the cleanup loop and empties the cache.
func (c *Cache[V]) Close() {
	select {
	case <-c.stop:
		return
	default:
		close(c.stop)
	}
	c.wg.Wait()
	c.Empty()
}

func (c *Cache[V]) evictLocked(key string, e cachedEntry[V]) {
	delete(c.entries, key)
	if c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}
