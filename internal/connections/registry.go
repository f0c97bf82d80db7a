// Package connections tracks live game connections and fans messages out to
// them, and relays remote tracker streams.
package connections

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

// ErrTransportFailure wraps send and receive errors on a single socket.
var ErrTransportFailure = errors.New("connections: transport failure")

// Socket is the send side of one transport session.
type Socket interface {
	// Send queues one frame. It must not block on the network.
	Send(data []byte) error
	// Close shuts the session down with a websocket close code and reason.
	Close(code int, reason string) error
}

// Population resolves a player's current membership.
type Population interface {
	Get(ctx context.Context, playerID string) (model.PopulationEntry, error)
}

// Metrics receives fan-out counters; *observability.SyncCollector satisfies it.
type Metrics interface {
	SetConnections(n int)
	MessageSent(packet string, n int)
	FanoutFailed(target string)
	SetTrackerEndpoints(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetConnections(int)      {}
func (noopMetrics) MessageSent(string, int) {}
func (noopMetrics) FanoutFailed(string)     {}
func (noopMetrics) SetTrackerEndpoints(int) {}

// Record is one live transport session of a player.
type Record struct {
	PlayerID string
	ConnID   string
	Socket   Socket
	// Scope is the multiverse the connection is bound to, nil before binding.
	Scope *model.ScopeKey
}

// Registry holds at most one Record per player.
type Registry struct {
	population Population
	log        logging.Logger
	metrics    Metrics

	mu         sync.RWMutex
	records    map[string]*Record
	spectators map[int64]map[string]struct{}
}

// Option customises Registry construction.
type Option func(*Registry)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry constructs an empty registry resolving observers through
// population.
func NewRegistry(population Population, opts ...Option) *Registry {
	r := &Registry{
		population: population,
		log:        logging.Noop(),
		metrics:    noopMetrics{},
		records:    make(map[string]*Record),
		spectators: make(map[int64]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes rec the player's only record and returns the one it
// replaced. The replaced socket is closed when it differs from rec's.
func (r *Registry) Register(rec Record) (Record, bool) {
	r.mu.Lock()
	old, replaced := r.records[rec.PlayerID]
	stored := rec
	r.records[rec.PlayerID] = &stored
	n := len(r.records)
	r.mu.Unlock()

	r.metrics.SetConnections(n)
	if !replaced {
		return Record{}, false
	}
	if old.Socket != nil && old.Socket != rec.Socket {
		_ = old.Socket.Close(websocket.CloseNormalClosure, "connected from another client")
		r.log.Info(context.Background(), "replaced connection",
			logging.Player(rec.PlayerID),
			logging.String("old_conn_id", old.ConnID),
			logging.String("conn_id", rec.ConnID),
		)
	}
	return *old, true
}

// Unregister removes the player's record only if it still belongs to connID,
// so a late close of a replaced connection cannot evict its successor.
func (r *Registry) Unregister(playerID, connID string) bool {
	r.mu.Lock()
	rec, ok := r.records[playerID]
	if !ok || rec.ConnID != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.records, playerID)
	n := len(r.records)
	r.mu.Unlock()

	r.metrics.SetConnections(n)
	return true
}

// IsLive reports whether connID is the player's registered connection.
func (r *Registry) IsLive(playerID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[playerID]
	return ok && rec.ConnID == connID
}

// Get returns a copy of the player's record.
func (r *Registry) Get(playerID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[playerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// SetScope updates the bound scope of the player's record.
func (r *Registry) SetScope(playerID string, scope model.ScopeKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[playerID]
	if !ok {
		return false
	}
	rec.Scope = &scope
	return true
}

// SetSpectating adds or removes playerID from the spectators of a multiverse.
func (r *Registry) SetSpectating(multiverseID int64, playerID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.spectators[multiverseID]
	if !on {
		delete(set, playerID)
		if len(set) == 0 {
			delete(r.spectators, multiverseID)
		}
		return
	}
	if set == nil {
		set = make(map[string]struct{})
		r.spectators[multiverseID] = set
	}
	set[playerID] = struct{}{}
}

// Spectators lists the spectators of a multiverse, sorted.
func (r *Registry) Spectators(multiverseID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.spectators[multiverseID]))
	for id := range r.spectators[multiverseID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Connected lists every registered player id, sorted.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.records))
	for id := range r.records {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ToPlayers encodes msg once and delivers it to every connected player in
// ids. Failures are logged and counted and never stop delivery to the rest;
// unless bestEffort is set, a failed peer is also closed and unregistered.
// It returns the number of successful deliveries.
func (r *Registry) ToPlayers(ctx context.Context, ids []string, msg wire.Message, bestEffort bool) int {
	if len(ids) == 0 {
		return 0
	}
	data, err := wire.Marshal(msg)
	if err != nil {
		r.log.Error(ctx, "encode fan-out message", logging.Err(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			targets = append(targets, *rec)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, rec := range targets {
		if err := rec.Socket.Send(data); err != nil {
			r.metrics.FanoutFailed("player")
			r.log.Warn(ctx, "fan-out delivery failed",
				logging.Player(rec.PlayerID),
				logging.String("conn_id", rec.ConnID),
				logging.String("packet", msg.PacketID().String()),
				logging.Err(err),
			)
			if !bestEffort && r.Unregister(rec.PlayerID, rec.ConnID) {
				_ = rec.Socket.Close(websocket.CloseInternalServerErr, "delivery failed")
			}
			continue
		}
		delivered++
	}
	r.metrics.MessageSent(msg.PacketID().String(), delivered)
	return delivered
}

// Observers lists the connected players bound to multiverseID whose
// population entry sits under scope, plus the spectators of multiverseID,
// minus exclude. Players bound elsewhere are never looked up.
func (r *Registry) Observers(ctx context.Context, scope model.ScopeKey, multiverseID int64, exclude ...string) []string {
	bound := model.MultiverseScope(multiverseID)
	r.mu.RLock()
	candidates := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Scope != nil && *rec.Scope == bound {
			candidates = append(candidates, id)
		}
	}
	spectators := make([]string, 0, len(r.spectators[multiverseID]))
	for id := range r.spectators[multiverseID] {
		spectators = append(spectators, id)
	}
	r.mu.RUnlock()

	seen := make(map[string]struct{}, len(candidates))
	for _, id := range exclude {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range candidates {
		if _, skip := seen[id]; skip {
			continue
		}
		entry, err := r.population.Get(ctx, id)
		if err != nil {
			continue
		}
		if entry.Under(scope) {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range spectators {
		if _, skip := seen[id]; skip {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ToObservers delivers msg to every observer of scope. Delivery is best effort.
func (r *Registry) ToObservers(ctx context.Context, scope model.ScopeKey, multiverseID int64, msg wire.Message, exclude ...string) int {
	return r.ToPlayers(ctx, r.Observers(ctx, scope, multiverseID, exclude...), msg, true)
}

// CloseAll closes and forgets every connection.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	records := r.records
	r.records = make(map[string]*Record)
	r.mu.Unlock()

	for _, rec := range records {
		_ = rec.Socket.Close(websocket.CloseGoingAway, reason)
	}
	r.metrics.SetConnections(0)
}
