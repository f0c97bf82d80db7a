package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/model"
)

var (
	keysID  = model.UberStateID{Group: 6, State: 2}
	oreID   = model.UberStateID{Group: 6, State: 3}
	bestID  = model.UberStateID{Group: 6, State: 4}
	doorID  = model.UberStateID{Group: 9, State: 1}
	plainID = model.UberStateID{Group: 42, State: 7}
)

func testTable() Table {
	return Table{
		States: map[model.UberStateID]Policy{
			keysID: {Kind: Pooled, Scope: model.ScopeUniverse, Combine: Sum},
			bestID: {Kind: Pooled, Scope: model.ScopeMultiverse, Combine: Max},
		},
		Groups: map[int32]Policy{
			6: {Kind: Pooled, Scope: model.ScopeUniverse, Combine: Sum},
			9: {Kind: Override},
		},
	}
}

// Universe 10 holds worlds 100 and 101; universe 11 holds 110.
func topoFor(world int64) model.Topology {
	universe := int64(10)
	worlds := []int64{100, 101}
	if world == 110 {
		universe, worlds = 11, []int64{110}
	}
	return model.Topology{
		WorldID:            world,
		UniverseID:         universe,
		MultiverseID:       1,
		UniverseWorldIDs:   worlds,
		MultiverseWorldIDs: []int64{100, 101, 110},
	}
}

type liveSet map[string]bool

func (l liveSet) IsLive(playerID, connID string) bool { return l[playerID+"/"+connID] }

func newTestRegistry(live Liveness) *Registry {
	var opts []RegistryOption
	if live != nil {
		opts = append(opts, WithLiveness(live))
	}
	return NewRegistry(cache.NewStateCache(), testTable(), opts...)
}

func TestLookupPrecedence(t *testing.T) {
	table := testTable()
	if got := table.Lookup(bestID); got.Combine != Max || got.Scope != model.ScopeMultiverse {
		t.Fatalf("identifier entry should beat group entry, got %v", got)
	}
	if got := table.Lookup(oreID); got.Kind != Pooled || got.Scope != model.ScopeUniverse {
		t.Fatalf("group entry not applied, got %v", got)
	}
	if got := table.Lookup(plainID); got.Kind != Independent {
		t.Fatalf("unlisted identifier should be Independent, got %v", got)
	}
}

func TestKeysCollectedScenario(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	first, err := r.Aggregate(ctx, topoFor(100), Report{ID: keysID, Value: 1})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !first.Changed || first.NewValue != 1 || first.Scope != model.UniverseScope(10) {
		t.Fatalf("first update = %+v, want universe 10 value 1 changed", first)
	}

	second, err := r.Aggregate(ctx, topoFor(101), Report{ID: keysID, Value: 2})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !second.Changed || second.NewValue != 3 {
		t.Fatalf("second update = %+v, want value 3 changed", second)
	}
	if v, _ := r.States().Get(model.UniverseScope(10), keysID); v != 3 {
		t.Fatalf("cached universe value = %v, want 3", v)
	}
}

func TestPooledIsCommutative(t *testing.T) {
	for _, combine := range []Combine{Sum, Max} {
		table := Table{States: map[model.UberStateID]Policy{
			keysID: {Kind: Pooled, Scope: model.ScopeMultiverse, Combine: combine},
		}}
		reports := []struct {
			world int64
			value float64
		}{{100, 4}, {110, 7}, {101, 2}, {100, 5}}

		forward := NewRegistry(cache.NewStateCache(), table)
		var fwd ResolvedUpdate
		for _, rep := range reports {
			fwd, _ = forward.Aggregate(context.Background(), topoFor(rep.world), Report{ID: keysID, Value: rep.value})
		}

		backward := NewRegistry(cache.NewStateCache(), table)
		var bwd ResolvedUpdate
		// Per-world order is preserved; only the interleaving across worlds changes.
		order := []int{2, 1, 0, 3}
		for _, i := range order {
			rep := reports[i]
			bwd, _ = backward.Aggregate(context.Background(), topoFor(rep.world), Report{ID: keysID, Value: rep.value})
		}

		if fwd.NewValue != bwd.NewValue {
			t.Fatalf("%s: forward %v != backward %v", combine, fwd.NewValue, bwd.NewValue)
		}
		want := 14.0
		if combine == Max {
			want = 7
		}
		if fwd.NewValue != want {
			t.Fatalf("%s: value = %v, want %v", combine, fwd.NewValue, want)
		}
	}
}

func TestPooledUnchangedValueIsNotChanged(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	if _, err := r.Aggregate(ctx, topoFor(100), Report{ID: keysID, Value: 2}); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	again, err := r.Aggregate(ctx, topoFor(100), Report{ID: keysID, Value: 2})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if again.Changed {
		t.Fatalf("re-reporting the same value must not be a change: %+v", again)
	}
}

func TestOverrideMonotonicInTime(t *testing.T) {
	live := liveSet{"alice/c1": true, "dave/c2": true}
	t1 := time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)
	t2 := t1.Add(time.Second)
	older := Report{ID: doorID, Value: 1, At: t1, PlayerID: "alice", ConnID: "c1"}
	newer := Report{ID: doorID, Value: 2, At: t2, PlayerID: "dave", ConnID: "c2"}

	for name, order := range map[string][]Report{
		"in order":     {older, newer},
		"out of order": {newer, older},
	} {
		r := newTestRegistry(live)
		var last ResolvedUpdate
		for i, rep := range order {
			world := int64(100)
			if rep.PlayerID == "dave" {
				world = 110
			}
			update, err := r.Aggregate(context.Background(), topoFor(world), rep)
			if err != nil {
				t.Fatalf("%s: Aggregate: %v", name, err)
			}
			if update.Scope != model.MultiverseScope(1) {
				t.Fatalf("%s: scope = %v, want multiverse 1", name, update.Scope)
			}
			if name == "out of order" && i == 1 && update.Changed {
				t.Fatalf("older report must not overwrite a newer one")
			}
			last = update
		}
		if last.NewValue != 2 {
			t.Fatalf("%s: final value = %v, want 2", name, last.NewValue)
		}
		if v, _ := r.States().Get(model.MultiverseScope(1), doorID); v != 2 {
			t.Fatalf("%s: cached value = %v, want 2", name, v)
		}
	}
}

func TestOverrideRejectsEqualTimestampAndStaleConnection(t *testing.T) {
	live := liveSet{"alice/c1": true}
	r := newTestRegistry(live)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if u, _ := r.Aggregate(context.Background(), topoFor(100), Report{ID: doorID, Value: 1, At: at, PlayerID: "alice", ConnID: "c1"}); !u.Changed {
		t.Fatalf("first override should apply: %+v", u)
	}
	if u, _ := r.Aggregate(context.Background(), topoFor(100), Report{ID: doorID, Value: 5, At: at, PlayerID: "alice", ConnID: "c1"}); u.Changed || u.NewValue != 1 {
		t.Fatalf("equal timestamp must not overwrite: %+v", u)
	}
	if u, _ := r.Aggregate(context.Background(), topoFor(100), Report{ID: doorID, Value: 9, At: at.Add(time.Hour), PlayerID: "alice", ConnID: "old"}); u.Changed || u.NewValue != 1 {
		t.Fatalf("stale connection must not overwrite: %+v", u)
	}
}

func TestUnconfiguredFallsBackToIndependent(t *testing.T) {
	r := newTestRegistry(nil)
	update, err := r.Aggregate(context.Background(), topoFor(101), Report{ID: plainID, Value: 3})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if update.Scope != model.WorldScope(101) || update.NewValue != 3 || !update.Changed {
		t.Fatalf("update = %+v, want world 101 value 3", update)
	}
	if _, ok := r.States().Get(model.UniverseScope(10), plainID); ok {
		t.Fatalf("independent state leaked into the universe scope")
	}
}

func TestOrphanedWorldOnlyUpdatesWorldScope(t *testing.T) {
	r := newTestRegistry(nil)
	orphan := model.Topology{WorldID: 500, Orphaned: true}

	for _, id := range []model.UberStateID{keysID, doorID, plainID} {
		update, err := r.Aggregate(context.Background(), orphan, Report{ID: id, Value: 4})
		if !errors.Is(err, ErrInconsistentState) {
			t.Fatalf("%v: err = %v, want ErrInconsistentState", id, err)
		}
		if update.Changed {
			t.Fatalf("%v: orphaned update must not be broadcast", id)
		}
		if v, ok := r.States().Get(model.WorldScope(500), id); !ok || v != 4 {
			t.Fatalf("%v: world value = %v (%v), want 4", id, v, ok)
		}
	}
	if scopes := r.States().Scopes(); len(scopes) != 1 {
		t.Fatalf("orphaned reports touched scopes %v, want only the world", scopes)
	}
}

func TestZeroValueAggregatesAsZero(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()
	if _, err := r.Aggregate(ctx, topoFor(100), Report{ID: keysID, Value: 2}); err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	updates, err := r.AggregateBatch(ctx, topoFor(100), []Report{{ID: keysID, Value: 0}})
	if err != nil {
		t.Fatalf("AggregateBatch: %v", err)
	}
	if got := updates[keysID]; got.NewValue != 0 || !got.Changed {
		t.Fatalf("update = %+v, want value 0 changed", got)
	}
}

func TestAggregateBatchJoinsOrphanError(t *testing.T) {
	r := newTestRegistry(nil)
	updates, err := r.AggregateBatch(context.Background(), model.Topology{WorldID: 7, Orphaned: true}, []Report{
		{ID: keysID, Value: 1},
		{ID: oreID, Value: 2},
	})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("err = %v, want ErrInconsistentState", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %v, want both reports applied to the world", updates)
	}
}

func TestAggregateBatchAppliesLastDuplicate(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(liveSet{"alice/c1": true})
	ctx := context.Background()

	updates, err := r.AggregateBatch(ctx, topoFor(100), []Report{
		{ID: keysID, Value: 4},
		{ID: doorID, Value: 5, At: at, PlayerID: "alice", ConnID: "c1"},
		{ID: keysID, Value: 4},
		{ID: doorID, Value: 7, At: at, PlayerID: "alice", ConnID: "c1"},
	})
	if err != nil {
		t.Fatalf("AggregateBatch: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %v, want one per id", updates)
	}
	if got := updates[keysID]; !got.Changed || got.NewValue != 4 {
		t.Fatalf("keys update = %+v, want value 4 changed", got)
	}
	if got := updates[doorID]; !got.Changed || got.NewValue != 7 {
		t.Fatalf("door update = %+v, want value 7 changed", got)
	}
	if v, _ := r.States().Get(model.MultiverseScope(1), doorID); v != 7 {
		t.Fatalf("cached door value = %v, want 7", v)
	}

	updates, err = r.AggregateBatch(ctx, topoFor(100), []Report{
		{ID: keysID, Value: 9},
		{ID: keysID, Value: 1},
	})
	if err != nil {
		t.Fatalf("AggregateBatch: %v", err)
	}
	if got := updates[keysID]; !got.Changed || got.NewValue != 1 {
		t.Fatalf("keys update = %+v, want value 1 changed", got)
	}
}

func TestPooledMaxAcrossWorlds(t *testing.T) {
	r := newTestRegistry(nil)
	ctx := context.Background()

	steps := []struct {
		world   int64
		value   float64
		want    float64
		changed bool
	}{
		{100, 3, 3, true},
		{101, 5, 5, true},
		{110, 2, 5, false},
		{101, 1, 3, true},
		{110, 4, 4, true},
		{100, 0, 4, false},
	}
	for i, step := range steps {
		update, err := r.Aggregate(ctx, topoFor(step.world), Report{ID: bestID, Value: step.value})
		if err != nil {
			t.Fatalf("step %d: Aggregate: %v", i, err)
		}
		if update.Scope != model.MultiverseScope(1) {
			t.Fatalf("step %d: scope = %v, want multiverse 1", i, update.Scope)
		}
		if update.NewValue != step.want || update.Changed != step.changed {
			t.Fatalf("step %d: update = %+v, want value %v changed %v", i, update, step.want, step.changed)
		}
		if update.Raw != step.value {
			t.Fatalf("step %d: raw = %v, want %v", i, update.Raw, step.value)
		}
	}
	if v, _ := r.States().Get(model.WorldScope(101), bestID); v != 1 {
		t.Fatalf("world 101 contribution = %v, want 1", v)
	}
}

func TestSetPoliciesSwapsTable(t *testing.T) {
	r := newTestRegistry(nil)
	if got := r.SyncedStates(); len(got) != 2 || got[0] != keysID || got[1] != bestID {
		t.Fatalf("SyncedStates = %v", got)
	}

	r.SetPolicies(Table{States: map[model.UberStateID]Policy{plainID: {Kind: Override}}})
	if got := r.PolicyFor(keysID); got.Kind != Independent {
		t.Fatalf("old policy survived swap: %v", got)
	}
	if got := r.PolicyFor(plainID); got.Kind != Override {
		t.Fatalf("new policy not applied: %v", got)
	}

	copyTable := r.Policies()
	copyTable.States[keysID] = Policy{Kind: Pooled}
	if got := r.PolicyFor(keysID); got.Kind != Independent {
		t.Fatalf("Policies must return a copy")
	}
}
