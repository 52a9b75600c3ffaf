// Package authcache caches per-engine authentication probe results.
//
// Auth probes shell out to provider CLIs and can take tens of seconds, so
// results are cached for a TTL and concurrent probes for the same engine
// are collapsed into one in-flight call.
package authcache

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a probe result stays fresh.
	DefaultTTL = 5 * time.Minute

	// EnvTTL overrides the TTL, e.g. "30s" or "10m".
	EnvTTL = "CODEMACHINE_AUTH_CACHE_TTL"

	// EnvSkipAuth makes every engine look authenticated (dry runs).
	EnvSkipAuth = "CODEMACHINE_SKIP_AUTH"
)

// Probe checks whether an engine is authenticated.
type Probe func(ctx context.Context) (bool, error)

type entry struct {
	authenticated bool
	checkedAt     time.Time
}

// Cache is a TTL-bounded map of engine id to authentication state.
type Cache struct {
	ttl      time.Duration
	skipAuth bool
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache. The TTL comes from CODEMACHINE_AUTH_CACHE_TTL when
// set, otherwise DefaultTTL; options apply last.
func New(opts ...Option) *Cache {
	c := &Cache{
		ttl:      DefaultTTL,
		skipAuth: os.Getenv(EnvSkipAuth) != "",
		now:      time.Now,
		entries:  make(map[string]entry),
	}
	if env := os.Getenv(EnvTTL); env != "" {
		if d, err := time.ParseDuration(env); err == nil && d > 0 {
			c.ttl = d
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAuthenticated returns the cached result for engineID when fresher than
// the TTL, otherwise runs probe and caches its result. Concurrent callers
// for the same engine share a single probe invocation.
func (c *Cache) IsAuthenticated(ctx context.Context, engineID string, probe Probe) (bool, error) {
	if c.skipAuth {
		return true, nil
	}

	c.mu.RLock()
	e, ok := c.entries[engineID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.checkedAt) < c.ttl {
		return e.authenticated, nil
	}

	result, err, _ := c.group.Do(engineID, func() (any, error) {
		// Re-check under the group: a waiter may arrive after the probe
		// that refreshed the entry completed.
		c.mu.RLock()
		e, ok := c.entries[engineID]
		c.mu.RUnlock()
		if ok && c.now().Sub(e.checkedAt) < c.ttl {
			return e.authenticated, nil
		}

		authenticated, err := probe(ctx)
		if err != nil {
			return false, err
		}

		c.mu.Lock()
		c.entries[engineID] = entry{authenticated: authenticated, checkedAt: c.now()}
		c.mu.Unlock()
		return authenticated, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Invalidate drops the cached state for engineID.
func (c *Cache) Invalidate(engineID string) {
	c.mu.Lock()
	delete(c.entries, engineID)
	c.mu.Unlock()
}

// Clear drops all cached state.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}
