package model

import (
	"fmt"
	"slices"
)

// ScopeKind identifies the level of the hierarchy an aggregated value belongs to.
type ScopeKind int

const (
	ScopeWorld ScopeKind = iota
	ScopeUniverse
	ScopeMultiverse
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeWorld:
		return "world"
	case ScopeUniverse:
		return "universe"
	case ScopeMultiverse:
		return "multiverse"
	default:
		return fmt.Sprintf("scope(%d)", int(k))
	}
}

// ScopeKey identifies one aggregation boundary.
type ScopeKey struct {
	Kind ScopeKind
	ID   int64
}

func WorldScope(id int64) ScopeKey      { return ScopeKey{Kind: ScopeWorld, ID: id} }
func UniverseScope(id int64) ScopeKey   { return ScopeKey{Kind: ScopeUniverse, ID: id} }
func MultiverseScope(id int64) ScopeKey { return ScopeKey{Kind: ScopeMultiverse, ID: id} }

func (s ScopeKey) String() string {
	return fmt.Sprintf("%s/%d", s.Kind, s.ID)
}

// Topology is the resolved position of one world in the hierarchy at the
// moment an update is processed. A world whose universe or multiverse could
// not be resolved is Orphaned and only ever aggregates into its own scope.
type Topology struct {
	WorldID      int64
	UniverseID   int64
	MultiverseID int64

	// UniverseWorldIDs lists every world of the universe, including WorldID.
	UniverseWorldIDs []int64
	// MultiverseWorldIDs lists every world of the multiverse, including WorldID.
	MultiverseWorldIDs []int64
	// UniverseOf maps every world of the multiverse to its universe.
	UniverseOf map[int64]int64

	Orphaned bool
}

// ScopeFor returns the key of the given kind that contains this world.
func (t Topology) ScopeFor(kind ScopeKind) ScopeKey {
	switch kind {
	case ScopeUniverse:
		return UniverseScope(t.UniverseID)
	case ScopeMultiverse:
		return MultiverseScope(t.MultiverseID)
	default:
		return WorldScope(t.WorldID)
	}
}

// Contains reports whether the world sits under scope.
func (t Topology) Contains(scope ScopeKey) bool {
	switch scope.Kind {
	case ScopeWorld:
		return scope.ID == t.WorldID
	case ScopeUniverse:
		return !t.Orphaned && scope.ID == t.UniverseID
	case ScopeMultiverse:
		return !t.Orphaned && scope.ID == t.MultiverseID
	}
	return false
}

// Sibling returns the topology of another world of the same multiverse.
func (t Topology) Sibling(worldID int64) Topology {
	out := t
	out.WorldID = worldID
	out.UniverseID = t.UniverseOf[worldID]
	out.UniverseWorldIDs = nil
	for wid, uid := range t.UniverseOf {
		if uid == out.UniverseID {
			out.UniverseWorldIDs = append(out.UniverseWorldIDs, wid)
		}
	}
	slices.Sort(out.UniverseWorldIDs)
	return out
}
