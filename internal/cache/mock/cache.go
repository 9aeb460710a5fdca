// Package mock provides an in-process cache.Cache for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
)

type entry struct {
	value   string
	count   int64
	expires time.Time
}

// Cache is a map-backed cache.Cache honoring TTLs. Err, when set, is returned
// from every call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	Err     error
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func (c *Cache) Ping(_ context.Context) error { return c.Err }

func (c *Cache) live(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *Cache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.count++
	e.expires = time.Now().Add(expiry)
	return e.count, nil
}

func (c *Cache) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if c.Err != nil {
		return "", false, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live(key) != nil {
		return "", false, nil
	}
	token := uuid.NewString()
	c.entries[key] = &entry{value: token, expires: time.Now().Add(ttl)}
	return token, true, nil
}

func (c *Cache) ReleaseLock(_ context.Context, key, token string) error {
	if c.Err != nil {
		return c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.live(key); e != nil && e.value == token {
		delete(c.entries, key)
	}
	return nil
}

// Held reports whether key is currently locked.
func (c *Cache) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live(key) != nil
}

// Compile-time check that Cache implements cache.Cache.
var _ cache.Cache = (*Cache)(nil)
