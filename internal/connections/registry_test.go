package connections

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

// connect registers players bound to multiverse 1.
func connect(t *testing.T, r *Registry, players ...string) map[string]*fakeSocket {
	t.Helper()
	sockets := make(map[string]*fakeSocket, len(players))
	for _, p := range players {
		s := &fakeSocket{}
		scope := model.MultiverseScope(1)
		r.Register(Record{PlayerID: p, ConnID: p + "-conn", Socket: s, Scope: &scope})
		sockets[p] = s
	}
	return sockets
}

func TestRegisterReplacesAndClosesPrevious(t *testing.T) {
	r := NewRegistry(testPopulation())
	first := &fakeSocket{}
	second := &fakeSocket{}

	if _, replaced := r.Register(Record{PlayerID: "alice", ConnID: "c1", Socket: first}); replaced {
		t.Fatalf("first registration reported a replacement")
	}
	old, replaced := r.Register(Record{PlayerID: "alice", ConnID: "c2", Socket: second})
	if !replaced || old.ConnID != "c1" {
		t.Fatalf("replaced = %v old = %+v, want c1", replaced, old)
	}
	if !first.isClosed() || first.code != websocket.CloseNormalClosure {
		t.Fatalf("previous socket not closed: %+v", first)
	}
	if second.isClosed() {
		t.Fatalf("new socket must stay open")
	}
	if got := r.Connected(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("Connected = %v, want exactly one record", got)
	}
	if !r.IsLive("alice", "c2") || r.IsLive("alice", "c1") {
		t.Fatalf("liveness should follow the newest connection")
	}
}

func TestRegisterSameSocketDoesNotClose(t *testing.T) {
	r := NewRegistry(testPopulation())
	s := &fakeSocket{}
	r.Register(Record{PlayerID: "alice", ConnID: "c1", Socket: s})
	r.Register(Record{PlayerID: "alice", ConnID: "c1", Socket: s})
	if s.isClosed() {
		t.Fatalf("re-registering the same socket must not close it")
	}
}

func TestConcurrentRegisterLeavesOneRecord(t *testing.T) {
	r := NewRegistry(testPopulation())
	sockets := make([]*fakeSocket, 20)
	var wg sync.WaitGroup
	for i := range sockets {
		sockets[i] = &fakeSocket{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(Record{PlayerID: "alice", ConnID: string(rune('a' + i)), Socket: sockets[i]})
		}(i)
	}
	wg.Wait()

	open := 0
	for _, s := range sockets {
		if !s.isClosed() {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("%d sockets left open, want 1", open)
	}
	if got := len(r.Connected()); got != 1 {
		t.Fatalf("%d records, want 1", got)
	}
}

func TestUnregisterIgnoresStaleConnID(t *testing.T) {
	r := NewRegistry(testPopulation())
	r.Register(Record{PlayerID: "alice", ConnID: "c1", Socket: &fakeSocket{}})
	r.Register(Record{PlayerID: "alice", ConnID: "c2", Socket: &fakeSocket{}})

	if r.Unregister("alice", "c1") {
		t.Fatalf("stale connection evicted its successor")
	}
	if !r.Unregister("alice", "c2") {
		t.Fatalf("current connection not unregistered")
	}
	if _, ok := r.Get("alice"); ok {
		t.Fatalf("record still present after Unregister")
	}
}

func TestSetScope(t *testing.T) {
	r := NewRegistry(testPopulation())
	connect(t, r, "alice")
	if !r.SetScope("alice", model.MultiverseScope(1)) {
		t.Fatalf("SetScope on a registered player failed")
	}
	rec, _ := r.Get("alice")
	if rec.Scope == nil || *rec.Scope != model.MultiverseScope(1) {
		t.Fatalf("Scope = %v", rec.Scope)
	}
	if r.SetScope("nobody", model.MultiverseScope(1)) {
		t.Fatalf("SetScope on an unknown player succeeded")
	}
}

func TestToPlayersBestEffortSkipsBrokenPeer(t *testing.T) {
	r := NewRegistry(testPopulation())
	sockets := connect(t, r, "alice", "bob", "carol")
	sockets["bob"].fail = true

	n := r.ToPlayers(context.Background(), []string{"alice", "bob", "carol", "offline"}, wire.ServerText("hi"), true)
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if sockets["alice"].count() != 1 || sockets["carol"].count() != 1 {
		t.Fatalf("healthy peers missed the message")
	}
	if !r.IsLive("bob", "bob-conn") {
		t.Fatalf("best effort delivery must not unregister the broken peer")
	}
}

func TestToPlayersStrictUnregistersBrokenPeer(t *testing.T) {
	r := NewRegistry(testPopulation())
	sockets := connect(t, r, "alice", "bob")
	sockets["alice"].fail = true

	if n := r.ToPlayers(context.Background(), []string{"alice", "bob"}, wire.ServerText("hi"), false); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if r.IsLive("alice", "alice-conn") {
		t.Fatalf("broken peer still registered")
	}
	if !sockets["alice"].isClosed() {
		t.Fatalf("broken peer not closed")
	}
}

func TestObserversResolveThroughPopulation(t *testing.T) {
	r := NewRegistry(testPopulation())
	connect(t, r, "alice", "bob", "carol", "dave", "erin")
	r.SetSpectating(1, "erin", true)

	cases := []struct {
		scope   model.ScopeKey
		exclude []string
		want    []string
	}{
		{model.WorldScope(100), nil, []string{"alice", "bob", "erin"}},
		{model.UniverseScope(10), []string{"alice"}, []string{"bob", "carol", "erin"}},
		{model.UniverseScope(11), nil, []string{"dave", "erin"}},
		{model.MultiverseScope(1), nil, []string{"alice", "bob", "carol", "dave", "erin"}},
	}
	for _, tc := range cases {
		got := r.Observers(context.Background(), tc.scope, 1, tc.exclude...)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("Observers(%v) = %v, want %v", tc.scope, got, tc.want)
		}
	}

	r.SetSpectating(1, "erin", false)
	if got := r.Observers(context.Background(), model.UniverseScope(11), 1); !reflect.DeepEqual(got, []string{"dave"}) {
		t.Fatalf("Observers after unspectate = %v", got)
	}
	if got := r.Spectators(1); len(got) != 0 {
		t.Fatalf("Spectators = %v, want none", got)
	}
}

type countingPopulation struct {
	fakePopulation
	mu      sync.Mutex
	lookups map[string]int
}

func (p *countingPopulation) Get(ctx context.Context, playerID string) (model.PopulationEntry, error) {
	p.mu.Lock()
	p.lookups[playerID]++
	p.mu.Unlock()
	return p.fakePopulation.Get(ctx, playerID)
}

func TestObserversOnlyLookUpBoundPlayers(t *testing.T) {
	population := &countingPopulation{fakePopulation: testPopulation(), lookups: make(map[string]int)}
	population.fakePopulation["frank"] = model.NewPopulationEntry("frank", 200, 20, 2, []string{"frank"}, []string{"frank"})
	r := NewRegistry(population)
	connect(t, r, "alice", "dave")
	r.Register(Record{PlayerID: "erin", ConnID: "erin-conn", Socket: &fakeSocket{}})
	other := model.MultiverseScope(2)
	r.Register(Record{PlayerID: "frank", ConnID: "frank-conn", Socket: &fakeSocket{}, Scope: &other})
	r.SetSpectating(1, "erin", true)

	got := r.Observers(context.Background(), model.MultiverseScope(1), 1)
	if want := []string{"alice", "dave", "erin"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Observers = %v, want %v", got, want)
	}
	if population.lookups["erin"] != 0 || population.lookups["frank"] != 0 {
		t.Fatalf("looked up players outside multiverse 1: %v", population.lookups)
	}
	if population.lookups["alice"] != 1 || population.lookups["dave"] != 1 {
		t.Fatalf("lookups = %v, want one per bound player", population.lookups)
	}
}

func TestToObserversDelivers(t *testing.T) {
	r := NewRegistry(testPopulation())
	sockets := connect(t, r, "alice", "bob", "dave")

	msg := &wire.UberStateUpdateMessage{ID: model.UberStateID{Group: 6, State: 2}, Value: 3}
	if n := r.ToObservers(context.Background(), model.UniverseScope(10), 1, msg, "bob"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	got := sockets["alice"].messages()
	if len(got) != 1 || !reflect.DeepEqual(got[0], msg) {
		t.Fatalf("alice received %v", got)
	}
	if sockets["bob"].count() != 0 || sockets["dave"].count() != 0 {
		t.Fatalf("message leaked outside the observer set")
	}
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(testPopulation())
	sockets := connect(t, r, "alice", "bob")
	r.CloseAll("shutting down")
	for id, s := range sockets {
		if !s.isClosed() || s.code != websocket.CloseGoingAway || s.reason != "shutting down" {
			t.Fatalf("%s socket not closed for shutdown: %+v", id, s)
		}
	}
	if len(r.Connected()) != 0 {
		t.Fatalf("records survived CloseAll")
	}
}
