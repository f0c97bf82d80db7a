package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/game"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/store/memstore"
	"github.com/wotw-multiverse/syncserver/internal/store/storetest"
	"github.com/wotw-multiverse/syncserver/internal/transport"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var keys = model.UberStateID{Group: 6, State: 2}

type fixture struct {
	store    *memstore.Store
	sync     *game.Sync
	trackers *connections.Trackers
	router   *gin.Engine
}

func newFixture(t *testing.T, dev bool) *fixture {
	t.Helper()
	st := memstore.New()
	f := storetest.Seed(t, st)

	population := cache.NewPopulationCache(func(ctx context.Context, playerID string) (model.PopulationEntry, error) {
		return store.LoadPopulation(ctx, st, playerID)
	})
	conns := connections.NewRegistry(population)
	policies := aggregation.NewRegistry(cache.NewStateCache(), aggregation.Table{}, aggregation.WithLiveness(conns))
	engine := aggregation.NewEngine()
	t.Cleanup(engine.Close)

	s := game.NewSync(st, population, policies, engine, conns)
	trackers := connections.NewTrackers(time.Minute)
	srv := New(s, st, auth.NewStaticTokens(st, f.Tokens()), trackers, Options{
		DevMode:   dev,
		Transport: transport.DefaultConfig(),
		Handler:   game.DefaultHandlerConfig(),
		Metrics:   http.NotFoundHandler(),
	})
	return &fixture{store: st, sync: s, trackers: trackers, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestGetMultiverse(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/multiverses/1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var mv multiverseView
	if err := json.Unmarshal(w.Body.Bytes(), &mv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if mv.ID != 1 || len(mv.Universes) != 2 || !mv.HasBingoBoard {
		t.Fatalf("unexpected multiverse %+v", mv)
	}
	if got := mv.Universes[0].Worlds[0].Members; len(got) != 2 || got[0].Name != "Alice" {
		t.Fatalf("world 100 members = %+v", got)
	}

	for path, want := range map[string]int{
		"/multiverses/404":           http.StatusNotFound,
		"/multiverses/abc":           http.StatusBadRequest,
		"/multiverses/1/worlds/110":  http.StatusOK,
		"/multiverses/2/worlds/100":  http.StatusNotFound,
		"/multiverses/1/completions": http.StatusNotFound,
	} {
		if w := f.do(t, http.MethodGet, path, "", ""); w.Code != want {
			t.Fatalf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}

func TestJoinWorld(t *testing.T) {
	f := newFixture(t, false)

	if w := f.do(t, http.MethodPost, "/multiverses/1/worlds/110", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous join = %d, want 401", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/multiverses/1/worlds/110", "tok-alice", ""); w.Code != http.StatusForbidden {
		t.Fatalf("join without scope = %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/multiverses/2/worlds/110", "tok-bob", ""); w.Code != http.StatusNotFound {
		t.Fatalf("join across multiverses = %d, want 404", w.Code)
	}

	w := f.do(t, http.MethodPost, "/multiverses/1/worlds/110", "tok-bob", "")
	if w.Code != http.StatusOK {
		t.Fatalf("join = %d, body %s", w.Code, w.Body.String())
	}
	world, err := f.store.FindWorld(context.Background(), "bob")
	if err != nil || world.ID != 110 {
		t.Fatalf("bob is in %+v (%v), want world 110", world, err)
	}
	if entry, ok := f.sync.Population().GetOrNull("bob"); !ok || entry.UniverseID != 11 {
		t.Fatalf("population entry = %+v, %v", entry, ok)
	}
}

func TestJoinWhileSpectatingConflicts(t *testing.T) {
	f := newFixture(t, false)
	if err := f.store.AddSpectator(context.Background(), 1, "bob"); err != nil {
		t.Fatalf("AddSpectator: %v", err)
	}
	if w := f.do(t, http.MethodPost, "/multiverses/1/worlds/110", "tok-bob", ""); w.Code != http.StatusConflict {
		t.Fatalf("join while spectating = %d, want 409", w.Code)
	}
}

func TestSpectate(t *testing.T) {
	f := newFixture(t, false)
	if w := f.do(t, http.MethodPost, "/multiverses/1/spectate", "tok-bob", ""); w.Code != http.StatusForbidden {
		t.Fatalf("spectate without scope = %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/multiverses/1/spectate", "tok-erin", ""); w.Code != http.StatusCreated {
		t.Fatalf("spectate = %d, body %s", w.Code, w.Body.String())
	}
	if got := f.sync.Connections().Spectators(1); len(got) != 1 || got[0] != "erin" {
		t.Fatalf("spectators = %v", got)
	}
}

func TestDevRoutesRequireDevMode(t *testing.T) {
	f := newFixture(t, false)
	if w := f.do(t, http.MethodGet, "/dev/caches/population", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("dev route without dev mode = %d, want 404", w.Code)
	}
}

func TestDevStateInjection(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, http.MethodPost, "/dev/multiverses/1/players/alice/state", "", `{"group": 6, "state": 2, "value": 3}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("post state = %d, body %s", w.Code, w.Body.String())
	}
	if w := f.do(t, http.MethodPost, "/dev/multiverses/2/players/alice/state", "", `{"group": 6, "state": 2, "value": 3}`); w.Code != http.StatusNotFound {
		t.Fatalf("post state to another multiverse = %d, want 404", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/dev/multiverses/1/players/alice/state", "", `{"group": 6}`); w.Code != http.StatusBadRequest {
		t.Fatalf("post state without value = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodGet, "/multiverses/1/completions", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("completions = %d", w.Code)
	}
	var completions []completionView
	if err := json.Unmarshal(w.Body.Bytes(), &completions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(completions) != 3 || completions[0].WorldID != 100 || completions[0].Squares != 1 {
		t.Fatalf("completions = %+v", completions)
	}

	w = f.do(t, http.MethodGet, "/dev/caches/population/carol", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"world_id":101`) {
		t.Fatalf("population entry = %d %s", w.Code, w.Body.String())
	}
	w = f.do(t, http.MethodGet, "/dev/caches/population", "", "")
	var snapshot []populationView
	if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].PlayerID != "carol" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg wire.Message) {
	t.Helper()
	data, err := wire.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads frames until one decodes to a T.
func await[T wire.Message](t *testing.T, ws *websocket.Conn) T {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := wire.Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

func TestGameSocketRelaysUpdates(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	alice := dial(t, srv, "/multiverse_sync")
	send(t, alice, &wire.AuthenticateMessage{JWT: "tok-alice"})
	if got := await[*wire.AuthenticatedMessage](t, alice); got.User.ID != "alice" {
		t.Fatalf("authenticated as %+v", got.User)
	}
	await[*wire.MultiverseInfoMessage](t, alice)

	bob := dial(t, srv, "/multiverse_sync")
	send(t, bob, &wire.AuthenticateMessage{JWT: "tok-bob"})
	await[*wire.MultiverseInfoMessage](t, bob)

	send(t, alice, &wire.UberStateUpdateMessage{ID: keys, Value: 2})
	got := await[*wire.UberStateUpdateMessage](t, bob)
	if got.ID != keys || got.Value != 2 {
		t.Fatalf("bob received %+v", got)
	}
}

func TestGameSocketClosesUnauthenticatedTraffic(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ws := dial(t, srv, "/multiverse_sync")
	send(t, ws, &wire.UberStateUpdateMessage{ID: keys, Value: 1})
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read err = %v, want policy violation close", err)
	}
}

func TestRemoteTrackerRelay(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	broadcaster := dial(t, srv, "/remote-tracker/broadcast?key=run-1")
	_ = broadcaster.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, key, err := broadcaster.ReadMessage()
	if err != nil || string(key) != "run-1" {
		t.Fatalf("key frame = %q, %v", key, err)
	}

	listener := dial(t, srv, "/remote-tracker/listen/run-1")
	deadline := time.Now().Add(5 * time.Second)
	for {
		eps := f.trackers.Endpoints()
		if len(eps) == 1 && eps[0].Listeners == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener never attached: %+v", eps)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := broadcaster.WriteMessage(websocket.TextMessage, []byte(`{"trees":3}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := listener.ReadMessage()
	if err != nil || string(data) != `{"trees":3}` {
		t.Fatalf("listener got %q, %v", data, err)
	}

	w := f.do(t, http.MethodGet, "/dev/remote-trackers", "", "")
	if !strings.Contains(w.Body.String(), `"key":"run-1"`) {
		t.Fatalf("dev trackers = %s", w.Body.String())
	}
}
