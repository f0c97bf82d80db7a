// Package aggregation reconciles reported uber-state values into scoped
// aggregate values according to a per-identifier sharing policy.
package aggregation

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/wotw-multiverse/syncserver/model"
)

// Kind selects how reports for an identifier are reconciled.
type Kind int

const (
	// Independent keeps one value per world; a report replaces it.
	Independent Kind = iota
	// Pooled combines every world's last value across a universe or multiverse.
	Pooled
	// Override keeps one multiverse-wide value; the newest report wins.
	Override
)

func (k Kind) String() string {
	switch k {
	case Independent:
		return "independent"
	case Pooled:
		return "pooled"
	case Override:
		return "override"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Combine is the reduction used by Pooled policies.
type Combine int

const (
	Sum Combine = iota
	Max
)

func (c Combine) String() string {
	if c == Max {
		return "max"
	}
	return "sum"
}

// Policy describes the reconciliation of one identifier or group.
type Policy struct {
	Kind Kind
	// Scope is the pooling boundary; only ScopeUniverse and ScopeMultiverse
	// are meaningful and only for Pooled.
	Scope   model.ScopeKind
	Combine Combine
}

// Target returns the scope a report from topo aggregates into.
func (p Policy) Target(topo model.Topology) model.ScopeKey {
	switch p.Kind {
	case Pooled:
		if p.Scope == model.ScopeMultiverse {
			return topo.ScopeFor(model.ScopeMultiverse)
		}
		return topo.ScopeFor(model.ScopeUniverse)
	case Override:
		return topo.ScopeFor(model.ScopeMultiverse)
	default:
		return topo.ScopeFor(model.ScopeWorld)
	}
}

func (p Policy) String() string {
	switch p.Kind {
	case Pooled:
		return fmt.Sprintf("%s(%s,%s)", p.Kind, p.Scope, p.Combine)
	default:
		return p.Kind.String()
	}
}

// Table maps identifiers and whole groups to policies. An identifier entry
// beats its group entry; anything unlisted is Independent.
type Table struct {
	States map[model.UberStateID]Policy
	Groups map[int32]Policy
}

// Lookup returns the policy governing id.
func (t Table) Lookup(id model.UberStateID) Policy {
	if p, ok := t.States[id]; ok {
		return p
	}
	if p, ok := t.Groups[id.Group]; ok {
		return p
	}
	return Policy{Kind: Independent}
}

// Clone deep-copies the table.
func (t Table) Clone() Table {
	return Table{States: maps.Clone(t.States), Groups: maps.Clone(t.Groups)}
}

// Listed returns every explicitly configured identifier, sorted. Group
// entries cannot be expanded and are not included.
func (t Table) Listed() []model.UberStateID {
	out := slices.Collect(maps.Keys(t.States))
	slices.SortFunc(out, compareIDs)
	return out
}

func compareIDs(a, b model.UberStateID) int {
	if c := cmp.Compare(a.Group, b.Group); c != 0 {
		return c
	}
	return cmp.Compare(a.State, b.State)
}
