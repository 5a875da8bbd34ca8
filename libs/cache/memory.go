package cache

import (
	"context"
	"sync"
	"time"
)

type MemoryCache struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	maxEntries   int
	now          func() time.Time
	lastCleanup  time.Time
	cleanupEvery time.Duration
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory returns a process-local cache. When maxEntries is reached the entry
// closest to expiry is evicted.
func NewMemory(maxEntries int, cleanupEvery time.Duration) *MemoryCache {
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	return &MemoryCache{
		entries:      map[string]memoryEntry{},
		maxEntries:   maxEntries,
		now:          time.Now,
		lastCleanup:  time.Now(),
		cleanupEvery: cleanupEvery,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupLocked(now)

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupLocked(now)

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = memoryEntry{value: stored, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) cleanupLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < c.cleanupEvery {
		return
	}
	for k, v := range c.entries {
		if !now.Before(v.expires) {
			delete(c.entries, k)
		}
	}
	c.lastCleanup = now
}

func (c *MemoryCache) evictOneLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, v := range c.entries {
		if !found || v.expires.Before(oldest) {
			victim, oldest, found = k, v.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}
