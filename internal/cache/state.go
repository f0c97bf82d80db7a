package cache

import (
	"maps"
	"slices"
	"sync"

	"github.com/wotw-multiverse/syncserver/model"
)

// StateCache holds the aggregated value of every uber state per scope.
// Single calls are atomic; consistency across several keys comes from the
// aggregation worker that owns the scope.
type StateCache struct {
	mu     sync.RWMutex
	scopes map[model.ScopeKey]map[model.UberStateID]float64
}

// NewStateCache constructs an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{scopes: make(map[model.ScopeKey]map[model.UberStateID]float64)}
}

// Get returns the value of id in scope.
func (c *StateCache) Get(scope model.ScopeKey, id model.UberStateID) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.scopes[scope][id]
	return v, ok
}

// Set stores the value of id in scope.
func (c *StateCache) Set(scope model.ScopeKey, id model.UberStateID, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	states, ok := c.scopes[scope]
	if !ok {
		states = make(map[model.UberStateID]float64)
		c.scopes[scope] = states
	}
	states[id] = v
}

// GetAllForScope copies every value held for scope.
func (c *StateCache) GetAllForScope(scope model.ScopeKey) map[model.UberStateID]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := maps.Clone(c.scopes[scope])
	if out == nil {
		out = make(map[model.UberStateID]float64)
	}
	return out
}

// Scopes lists the scopes that hold at least one value.
func (c *StateCache) Scopes() []model.ScopeKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Collect(maps.Keys(c.scopes))
}
