// Package cache stores the latest progress snapshot per (user, video) so that
// progress stays readable while the ledger is unreachable.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

type memoryEntry struct {
	snap    engine.Snapshot
	expires time.Time
}

// MemoryCache is the in-process fallback used when REDIS_URL is not set.
// A zero TTL keeps entries forever.
type MemoryCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[engine.Key]memoryEntry
}

func NewMemoryCache(clock clockwork.Clock, ttl time.Duration) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{clock: clock, ttl: ttl, entries: make(map[engine.Key]memoryEntry)}
}

func (c *MemoryCache) Put(_ context.Context, snap engine.Snapshot) error {
	e := memoryEntry{snap: snap}
	if c.ttl > 0 {
		e.expires = c.clock.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[snap.Key()] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key engine.Key) (engine.Snapshot, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return engine.Snapshot{}, false, nil
	}
	if !e.expires.IsZero() && !c.clock.Now().Before(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return engine.Snapshot{}, false, nil
	}
	return e.snap, true, nil
}
