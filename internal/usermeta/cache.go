package usermeta

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache memoizes open Stores by directory so concurrent requests for
// the same user don't each pay pebble's open cost, and so a store isn't
// closed out from under an in-flight request (spec §4.5 "a process-
// wide cache memoizes open stores").
type Cache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, *Store]
}

// NewCache returns a Cache holding at most size open stores; evicted
// entries are closed automatically.
func NewCache(size int) (*Cache, error) {
	c := &Cache{}
	inner, err := lru.NewWithEvict(size, func(_ string, s *Store) {
		s.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("usermeta: creating cache: %w", err)
	}
	c.inner = inner
	return c, nil
}

// Get returns the Store for dir, opening and caching it on first use.
func (c *Cache) Get(dir string) (*Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.inner.Get(dir); ok {
		return s, nil
	}
	s, err := Open(dir)
	if err != nil {
		return nil, err
	}
	c.inner.Add(dir, s)
	return s, nil
}

// Evict closes and removes dir's store from the cache, if present —
// used by RestoreMetadata before a store's files are overwritten, so
// no open handle is left pointing at them.
func (c *Cache) Evict(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(dir)
}

// Flush closes and removes every cached store, run periodically on the
// FLUSH_MD_CACHE_TIMEOUT tick (spec §6).
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.inner.Keys() {
		c.inner.Remove(key)
	}
}
