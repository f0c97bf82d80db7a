// Package cache holds the in-memory population and state caches.
package cache

import (
	"context"
	"maps"
	"sync"

	"github.com/wotw-multiverse/syncserver/model"
	"golang.org/x/sync/singleflight"
)

// Loader builds a fresh population entry for a player, typically from the
// store. It returns store.ErrNotFound when the player has no world.
type Loader func(ctx context.Context, playerID string) (model.PopulationEntry, error)

// PopulationCache maps player ids to membership snapshots. Entries never
// expire: they change only through Put and Invalidate, which world transfer
// performs inside the multiverse critical section.
type PopulationCache struct {
	load  Loader
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]model.PopulationEntry
	// gens counts Put/Invalidate calls per player so a load that started
	// before one of them never overwrites its result.
	gens map[string]uint64
}

// NewPopulationCache constructs a cache hydrating misses through load.
func NewPopulationCache(load Loader) *PopulationCache {
	return &PopulationCache{
		load:    load,
		entries: make(map[string]model.PopulationEntry),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached entry, loading it on a miss. Concurrent misses for
// the same player share one load.
func (c *PopulationCache) Get(ctx context.Context, playerID string) (model.PopulationEntry, error) {
	if entry, ok := c.GetOrNull(playerID); ok {
		return entry, nil
	}

	v, err, _ := c.group.Do(playerID, func() (any, error) {
		c.mu.RLock()
		if entry, ok := c.entries[playerID]; ok {
			c.mu.RUnlock()
			return entry, nil
		}
		gen := c.gens[playerID]
		c.mu.RUnlock()

		entry, err := c.load(ctx, playerID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gens[playerID] != gen {
			if current, ok := c.entries[playerID]; ok {
				return current, nil
			}
			return entry, nil
		}
		c.entries[playerID] = entry
		return entry, nil
	})
	if err != nil {
		return model.PopulationEntry{}, err
	}
	return v.(model.PopulationEntry), nil
}

// GetOrNull returns the cached entry without loading.
func (c *PopulationCache) GetOrNull(playerID string) (model.PopulationEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[playerID]
	return entry, ok
}

// Put replaces the entry for entry.PlayerID.
func (c *PopulationCache) Put(entry model.PopulationEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[entry.PlayerID]++
	c.entries[entry.PlayerID] = entry
}

// Invalidate drops the entry so the next Get reloads it.
func (c *PopulationCache) Invalidate(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[playerID]++
	delete(c.entries, playerID)
}

// Snapshot copies the current entries.
func (c *PopulationCache) Snapshot() map[string]model.PopulationEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.entries)
}
