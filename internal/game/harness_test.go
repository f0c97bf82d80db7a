package game

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/store/memstore"
	"github.com/wotw-multiverse/syncserver/internal/store/storetest"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
	"github.com/wotw-multiverse/syncserver/timectrl"
)

var (
	keys   = model.UberStateID{Group: 6, State: 2}
	ore    = model.UberStateID{Group: 6, State: 3}
	boss   = model.UberStateID{Group: 7, State: 1}
	shards = model.UberStateID{Group: 7, State: 2}
	pickup = model.UberStateID{Group: 9, State: 9}
)

func testPolicies() aggregation.Table {
	return aggregation.Table{
		States: map[model.UberStateID]aggregation.Policy{
			ore:    {Kind: aggregation.Pooled, Scope: model.ScopeUniverse, Combine: aggregation.Sum},
			boss:   {Kind: aggregation.Override},
			shards: {Kind: aggregation.Pooled, Scope: model.ScopeMultiverse, Combine: aggregation.Max},
		},
	}
}

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
}

func (s *fakeSocket) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return connections.ErrTransportFailure
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.code = code
		s.reason = reason
	}
	return nil
}

func (s *fakeSocket) closeState() (bool, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.code, s.reason
}

// drain returns and forgets every message received so far.
func (s *fakeSocket) drain(t *testing.T) []wire.Message {
	t.Helper()
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	out := make([]wire.Message, 0, len(frames))
	for _, f := range frames {
		msg, err := wire.Unmarshal(f)
		if err != nil {
			t.Fatalf("undecodable frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

type harness struct {
	t      *testing.T
	store  *memstore.Store
	clock  *timectrl.ManualClock
	engine *aggregation.Engine
	sync   *Sync
	auth   *auth.StaticTokens
	conns  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	fixture := storetest.Seed(t, st)

	population := cache.NewPopulationCache(func(ctx context.Context, playerID string) (model.PopulationEntry, error) {
		return store.LoadPopulation(ctx, st, playerID)
	})
	conns := connections.NewRegistry(population)
	policies := aggregation.NewRegistry(cache.NewStateCache(), testPolicies(), aggregation.WithLiveness(conns))
	engine := aggregation.NewEngine()
	t.Cleanup(engine.Close)

	clock := timectrl.NewManualClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return &harness{
		t:      t,
		store:  st,
		clock:  clock,
		engine: engine,
		sync:   NewSync(st, population, policies, engine, conns, WithClock(clock)),
		auth:   auth.NewStaticTokens(st, fixture.Tokens()),
	}
}

type client struct {
	h      *Handler
	socket *fakeSocket
}

// connect opens an unauthenticated session.
func (hs *harness) connect(connID string) *client {
	socket := &fakeSocket{}
	cfg := DefaultHandlerConfig()
	cfg.ConnID = connID
	return &client{h: NewHandler(hs.sync, hs.auth, socket, cfg), socket: socket}
}

// login opens a bound session for player and discards the handshake.
func (hs *harness) login(player string) *client {
	hs.t.Helper()
	hs.conns++
	c := hs.connect(fmt.Sprintf("%s-%d", player, hs.conns))
	if err := c.h.Handle(context.Background(), &wire.AuthenticateMessage{JWT: "tok-" + player}); err != nil {
		hs.t.Fatalf("authenticate %s: %v", player, err)
	}
	c.socket.drain(hs.t)
	return c
}

func (c *client) report(t *testing.T, updates ...wire.UberStateUpdateMessage) {
	t.Helper()
	msg := &wire.UberStateBatchUpdateMessage{Updates: updates}
	if err := c.h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("report: %v", err)
	}
}

func update(id model.UberStateID, v float64) wire.UberStateUpdateMessage {
	return wire.UberStateUpdateMessage{ID: id, Value: v}
}

// values flattens every uber state update received, last write wins.
func values(msgs []wire.Message) map[model.UberStateID]float64 {
	out := make(map[model.UberStateID]float64)
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *wire.UberStateUpdateMessage:
			out[m.ID] = m.Value
		case *wire.UberStateBatchUpdateMessage:
			for _, u := range m.Updates {
				out[u.ID] = u.Value
			}
		}
	}
	return out
}

func find[T wire.Message](msgs []wire.Message) (T, bool) {
	for _, msg := range msgs {
		if m, ok := msg.(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}
