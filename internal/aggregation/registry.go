package aggregation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/model"
)

// ErrInconsistentState is returned when the reporting world has no
// resolvable universe or multiverse. The report is still applied to the
// world's own scope.
var ErrInconsistentState = errors.New("aggregation: world has no resolvable universe or multiverse")

// Report is one raw value reported by a player, already decoded from the wire.
type Report struct {
	ID    model.UberStateID
	Value float64
	// At orders Override writes; it is assigned when the report is received.
	At       time.Time
	PlayerID string
	ConnID   string
}

// ResolvedUpdate is the outcome of aggregating one report.
type ResolvedUpdate struct {
	ID       model.UberStateID
	Scope    model.ScopeKey
	NewValue float64
	// Changed is false when the scope value is unchanged or must not be
	// broadcast.
	Changed bool
	// Raw is the reported value before aggregation.
	Raw float64
}

// Liveness reports whether connID is still the registered connection of
// playerID. Override writes from replaced or closed connections are dropped.
type Liveness interface {
	IsLive(playerID, connID string) bool
}

type overrideKey struct {
	scope model.ScopeKey
	id    model.UberStateID
}

// Registry applies policies against the state cache. It performs no locking
// across keys: callers serialize per multiverse through an Engine.
type Registry struct {
	states *cache.StateCache
	live   Liveness
	table  atomic.Pointer[Table]

	mu        sync.Mutex
	overrides map[overrideKey]time.Time
}

// RegistryOption customises Registry construction.
type RegistryOption func(*Registry)

// WithLiveness sets the connection liveness check used by Override.
func WithLiveness(l Liveness) RegistryOption {
	return func(r *Registry) {
		r.live = l
	}
}

// NewRegistry constructs a registry writing into states.
func NewRegistry(states *cache.StateCache, table Table, opts ...RegistryOption) *Registry {
	r := &Registry{
		states:    states,
		overrides: make(map[overrideKey]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetPolicies(table)
	return r
}

// SetPolicies swaps the policy table. Reports already being aggregated keep
// the table they started with.
func (r *Registry) SetPolicies(t Table) {
	t = t.Clone()
	r.table.Store(&t)
}

// Policies returns a copy of the current table.
func (r *Registry) Policies() Table {
	return r.table.Load().Clone()
}

// PolicyFor returns the policy currently governing id.
func (r *Registry) PolicyFor(id model.UberStateID) Policy {
	return r.table.Load().Lookup(id)
}

// SyncedStates lists the identifiers with an explicit policy.
func (r *Registry) SyncedStates() []model.UberStateID {
	return r.table.Load().Listed()
}

// States exposes the cache the registry writes into.
func (r *Registry) States() *cache.StateCache {
	return r.states
}

// Aggregate applies one report from the world described by topo.
func (r *Registry) Aggregate(ctx context.Context, topo model.Topology, report Report) (ResolvedUpdate, error) {
	return r.aggregate(ctx, r.table.Load(), topo, report)
}

// AggregateBatch applies every report with the same policy table. It must
// run inside one Engine job for the batch to be observed atomically. When an
// id is reported more than once only its last value is applied.
func (r *Registry) AggregateBatch(ctx context.Context, topo model.Topology, reports []Report) (map[model.UberStateID]ResolvedUpdate, error) {
	table := r.table.Load()
	reports = collapse(reports)
	out := make(map[model.UberStateID]ResolvedUpdate, len(reports))
	var errs error
	for _, report := range reports {
		update, err := r.aggregate(ctx, table, topo, report)
		if err != nil && !errors.Is(errs, err) {
			errs = errors.Join(errs, err)
		}
		out[report.ID] = update
	}
	return out, errs
}

// collapse keeps one report per id: the last value, at the position the id
// first appeared.
func collapse(reports []Report) []Report {
	index := make(map[model.UberStateID]int, len(reports))
	out := make([]Report, 0, len(reports))
	for _, report := range reports {
		if i, ok := index[report.ID]; ok {
			out[i] = report
			continue
		}
		index[report.ID] = len(out)
		out = append(out, report)
	}
	return out
}

func (r *Registry) aggregate(_ context.Context, table *Table, topo model.Topology, report Report) (ResolvedUpdate, error) {
	policy := table.Lookup(report.ID)
	world := topo.ScopeFor(model.ScopeWorld)

	if topo.Orphaned && policy.Kind != Independent {
		r.states.Set(world, report.ID, report.Value)
		return ResolvedUpdate{ID: report.ID, Scope: world, NewValue: report.Value, Raw: report.Value}, ErrInconsistentState
	}

	switch policy.Kind {
	case Pooled:
		return r.pooled(policy, topo, report), nil
	case Override:
		return r.override(policy, topo, report), nil
	default:
		update := r.replace(world, report)
		if topo.Orphaned {
			update.Changed = false
			return update, ErrInconsistentState
		}
		return update, nil
	}
}

func (r *Registry) replace(scope model.ScopeKey, report Report) ResolvedUpdate {
	old, ok := r.states.Get(scope, report.ID)
	r.states.Set(scope, report.ID, report.Value)
	return ResolvedUpdate{
		ID:       report.ID,
		Scope:    scope,
		NewValue: report.Value,
		Changed:  !ok || old != report.Value,
		Raw:      report.Value,
	}
}

// pooled records the report as its world's contribution, then recombines
// every contributing world. The result does not depend on report order.
func (r *Registry) pooled(policy Policy, topo model.Topology, report Report) ResolvedUpdate {
	r.states.Set(topo.ScopeFor(model.ScopeWorld), report.ID, report.Value)

	worlds := topo.UniverseWorldIDs
	if policy.Scope == model.ScopeMultiverse {
		worlds = topo.MultiverseWorldIDs
	}

	var combined float64
	seen := false
	for _, wid := range worlds {
		v, ok := r.states.Get(model.WorldScope(wid), report.ID)
		if !ok {
			continue
		}
		switch {
		case !seen:
			combined = v
		case policy.Combine == Max:
			combined = max(combined, v)
		default:
			combined += v
		}
		seen = true
	}

	target := policy.Target(topo)
	old, ok := r.states.Get(target, report.ID)
	r.states.Set(target, report.ID, combined)
	return ResolvedUpdate{
		ID:       report.ID,
		Scope:    target,
		NewValue: combined,
		Changed:  !ok || old != combined,
		Raw:      report.Value,
	}
}

// override accepts a report only from a live connection and only when it is
// strictly newer than the last accepted write.
func (r *Registry) override(policy Policy, topo model.Topology, report Report) ResolvedUpdate {
	target := policy.Target(topo)
	current, _ := r.states.Get(target, report.ID)
	rejected := ResolvedUpdate{ID: report.ID, Scope: target, NewValue: current, Raw: report.Value}

	if r.live != nil && !r.live.IsLive(report.PlayerID, report.ConnID) {
		return rejected
	}

	key := overrideKey{scope: target, id: report.ID}
	r.mu.Lock()
	last, seen := r.overrides[key]
	if seen && !report.At.After(last) {
		r.mu.Unlock()
		return rejected
	}
	r.overrides[key] = report.At
	r.mu.Unlock()

	return r.replace(target, report)
}
