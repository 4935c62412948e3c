package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vnmchuo/chatgate/internal/routing"
)

type cacheEntry struct {
	model   *routing.CanonicalModel
	missing bool
	expires time.Time
}

// Cache is an explicit TTL cache in front of a registry. Both hits and
// misses are cached; lookup errors are not.
type Cache struct {
	next routing.Registry
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(next routing.Registry, ttl time.Duration) *Cache {
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) GetModel(ctx context.Context, modelID string) (*routing.CanonicalModel, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[modelID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		if e.missing {
			return nil, routing.ErrModelNotFound
		}
		return copyModel(e.model), nil
	}

	model, err := c.next.GetModel(ctx, modelID)
	switch {
	case err == nil && model != nil:
		c.store(modelID, cacheEntry{model: copyModel(model), expires: now.Add(c.ttl)})
		return model, nil
	case err == nil, errors.Is(err, routing.ErrModelNotFound):
		c.store(modelID, cacheEntry{missing: true, expires: now.Add(c.ttl)})
		return nil, routing.ErrModelNotFound
	}
	return nil, err
}

func (c *Cache) store(modelID string, e cacheEntry) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[modelID] = e
	c.mu.Unlock()
}

// Invalidate drops the cached entry for modelID.
func (c *Cache) Invalidate(modelID string) {
	c.mu.Lock()
	delete(c.entries, modelID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
