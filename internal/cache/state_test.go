package cache

import (
	"testing"

	"github.com/wotw-multiverse/syncserver/model"
)

func TestStateCacheSetGet(t *testing.T) {
	c := NewStateCache()
	id := model.UberStateID{Group: 6, State: 2}
	world := model.WorldScope(100)

	if _, ok := c.Get(world, id); ok {
		t.Fatalf("empty cache returned a value")
	}

	c.Set(world, id, 1)
	c.Set(model.UniverseScope(10), id, 3)

	if v, ok := c.Get(world, id); !ok || v != 1 {
		t.Fatalf("world value = %v (%v), want 1", v, ok)
	}
	if v, ok := c.Get(model.UniverseScope(10), id); !ok || v != 3 {
		t.Fatalf("universe value = %v (%v), want 3", v, ok)
	}
	if _, ok := c.Get(model.WorldScope(101), id); ok {
		t.Fatalf("scopes must not leak into each other")
	}
}

func TestStateCacheGetAllForScopeCopies(t *testing.T) {
	c := NewStateCache()
	scope := model.WorldScope(100)
	a := model.UberStateID{Group: 1, State: 1}
	b := model.UberStateID{Group: 1, State: 2}
	c.Set(scope, a, 1)
	c.Set(scope, b, 0)

	all := c.GetAllForScope(scope)
	if len(all) != 2 || all[a] != 1 || all[b] != 0 {
		t.Fatalf("GetAllForScope = %v", all)
	}
	all[a] = 42
	if v, _ := c.Get(scope, a); v != 1 {
		t.Fatalf("mutating the copy changed the cache: %v", v)
	}

	if empty := c.GetAllForScope(model.WorldScope(999)); empty == nil || len(empty) != 0 {
		t.Fatalf("unknown scope should return an empty map, got %v", empty)
	}
	if scopes := c.Scopes(); len(scopes) != 1 || scopes[0] != scope {
		t.Fatalf("Scopes = %v", scopes)
	}
}
