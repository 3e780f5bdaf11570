// Package tokencache holds recently validated device tokens so the hot
// ingest path skips the database on repeat publishes.
package tokencache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aemos-iot/aemos-core/internal/model"
)

const (
	// DefaultTTL is how long a validated token stays good without a
	// re-check against the repository.
	DefaultTTL = time.Hour
	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = 10 * time.Minute
)

// Entry is one cached authentication result.
type Entry struct {
	Sensor   model.Sensor
	Token    model.DeviceToken
	cachedAt time.Time
}

// Cache is a TTL map from token value to its validated sensor.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	ttl   time.Duration
	sweep time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// New returns a cache with the default TTL and sweep interval.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]Entry),
		ttl:     DefaultTTL,
		sweep:   DefaultSweepInterval,
		log:     logger,
		now:     time.Now,
	}
}

// Get returns the cached entry for token if it is still within TTL.
func (c *Cache) Get(token string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.now().Sub(e.cachedAt) > c.ttl {
		c.Invalidate(token)
		return Entry{}, false
	}
	return e, true
}

// Put stores a freshly validated token.
func (c *Cache) Put(token string, sensor model.Sensor, tok model.DeviceToken) {
	c.mu.Lock()
	c.entries[token] = Entry{Sensor: sensor, Token: tok, cachedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops one token, used when a token is revoked mid-TTL.
func (c *Cache) Invalidate(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Start runs the periodic sweep until ctx is cancelled.
func (c *Cache) Start(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if purged := c.purgeExpired(); purged > 0 {
				c.log.Debug("token cache swept", "purged", purged, "remaining", c.Len())
			}
		}
	}
}

func (c *Cache) purgeExpired() int {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	purged := 0
	for token, e := range c.entries {
		if e.cachedAt.Before(cutoff) {
			delete(c.entries, token)
			purged++
		}
	}
	return purged
}
