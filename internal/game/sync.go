// Package game routes game client messages and runs the sync pipeline:
// aggregation inside the multiverse critical section, completion tracking,
// then fan-out to observers.
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/internal/completion"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/observability"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
	"github.com/wotw-multiverse/syncserver/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Metrics receives pipeline counters; *observability.SyncCollector
// satisfies it.
type Metrics interface {
	MessageReceived(packet string)
	MessageSent(packet string, n int)
	ObserveAggregation(d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) MessageReceived(string)                  {}
func (noopMetrics) MessageSent(string, int)                 {}
func (noopMetrics) ObserveAggregation(time.Duration, error) {}

// Sync owns the shared services of the sync pipeline. It is constructed once
// and shared by every connection handler.
type Sync struct {
	store       store.Store
	population  *cache.PopulationCache
	policies    *aggregation.Registry
	engine      *aggregation.Engine
	connections *connections.Registry
	tracker     completion.Tracker
	clock       timectrl.Clock
	log         logging.Logger
	metrics     Metrics
}

// Option customises Sync construction.
type Option func(*Sync)

// WithTracker replaces the board evaluator.
func WithTracker(t completion.Tracker) Option {
	return func(s *Sync) {
		if t != nil {
			s.tracker = t
		}
	}
}

// WithClock overrides the clock stamping reports.
func WithClock(c timectrl.Clock) Option {
	return func(s *Sync) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Sync) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(s *Sync) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSync wires the pipeline. The completion tracker defaults to a board
// evaluator over the registry's policies.
func NewSync(st store.Store, population *cache.PopulationCache, policies *aggregation.Registry, engine *aggregation.Engine, conns *connections.Registry, opts ...Option) *Sync {
	s := &Sync{
		store:       st,
		population:  population,
		policies:    policies,
		engine:      engine,
		connections: conns,
		tracker:     completion.NewBoardEvaluator(policies),
		clock:       timectrl.System(),
		log:         logging.Noop(),
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the time used to stamp reports.
func (s *Sync) Now() time.Time { return s.clock.Now() }

// Population exposes the population cache.
func (s *Sync) Population() *cache.PopulationCache { return s.population }

// Connections exposes the connection registry.
func (s *Sync) Connections() *connections.Registry { return s.connections }

// InvalidatePopulation drops the cached entry of playerID inside the
// critical section of the multiverse it points at.
func (s *Sync) InvalidatePopulation(ctx context.Context, playerID string) error {
	entry, ok := s.population.GetOrNull(playerID)
	if !ok {
		return nil
	}
	return s.engine.Do(ctx, entry.MultiverseID, func() error {
		s.population.Invalidate(playerID)
		return nil
	})
}

// ApplyReports aggregates reports from a player in worldID and broadcasts
// the outcome. The returned error is ErrInconsistentState (wrapped) for an
// orphaned world; the updates are still returned.
func (s *Sync) ApplyReports(ctx context.Context, playerID string, worldID int64, reports []aggregation.Report) (map[model.UberStateID]aggregation.ResolvedUpdate, error) {
	if len(reports) == 0 {
		return nil, nil
	}
	topo, err := store.LoadTopology(ctx, s.store, worldID)
	if err != nil {
		return nil, fmt.Errorf("resolve world %d: %w", worldID, err)
	}
	var board *model.Board
	if !topo.Orphaned {
		mv, err := s.store.Multiverse(ctx, topo.MultiverseID)
		if err != nil {
			return nil, fmt.Errorf("load multiverse %d: %w", topo.MultiverseID, err)
		}
		board = mv.Board
	}

	ctx, span := observability.StartSpan(ctx, "sync.apply_reports", topo.MultiverseID,
		attribute.Int64("world_id", worldID),
		attribute.Int("reports", len(reports)),
	)
	defer span.End()

	var (
		updates  map[model.UberStateID]aggregation.ResolvedUpdate
		aggErr   error
		summary  model.CompletionSummary
		progress bool
	)
	start := time.Now()
	err = s.engine.Do(ctx, aggregation.KeyFor(topo), func() error {
		updates, aggErr = s.policies.AggregateBatch(ctx, topo, reports)
		if board != nil {
			summary = s.tracker.Recompute(s.policies.States(), board, topo)
			progress = true
		}
		return nil
	})
	s.metrics.ObserveAggregation(time.Since(start), errors.Join(err, aggErr))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log := logging.FromContext(ctx, s.log)
	if aggErr != nil {
		span.SetStatus(codes.Error, aggErr.Error())
		log.Warn(ctx, "aggregated into world scope only", logging.Player(playerID), logging.World(worldID), logging.Err(aggErr))
	}

	if progress {
		if err := s.store.UpdateCompletions(ctx, topo.MultiverseID, summary); err != nil {
			log.Warn(ctx, "persist completions failed", logging.Multiverse(topo.MultiverseID), logging.Err(err))
		}
		s.connections.ToObservers(ctx, model.MultiverseScope(topo.MultiverseID), topo.MultiverseID, progressMessage(summary))
	}
	s.broadcastUpdates(ctx, playerID, topo.MultiverseID, updates)
	return updates, aggErr
}

// broadcastUpdates sends changed values to the observers of their scope. The
// sender hears about every value that differs from what it reported, changed
// or not, so a rejected or absorbed report is corrected on its client.
func (s *Sync) broadcastUpdates(ctx context.Context, senderID string, multiverseID int64, updates map[model.UberStateID]aggregation.ResolvedUpdate) {
	toOthers := make(map[model.ScopeKey][]wire.UberStateUpdateMessage)
	toSender := make(map[model.ScopeKey][]wire.UberStateUpdateMessage)
	for _, u := range updates {
		msg := wire.UberStateUpdateMessage{ID: u.ID, Value: u.NewValue}
		if u.Changed {
			toOthers[u.Scope] = append(toOthers[u.Scope], msg)
		}
		if u.NewValue != u.Raw {
			toSender[u.Scope] = append(toSender[u.Scope], msg)
		}
	}

	for scope, msgs := range toOthers {
		observers := s.connections.Observers(ctx, scope, multiverseID, senderID)
		s.connections.ToPlayers(ctx, observers, updateMessage(msgs), true)
	}
	if len(toSender) == 0 {
		return
	}
	entry, err := s.population.Get(ctx, senderID)
	if err != nil {
		return
	}
	for scope, msgs := range toSender {
		if entry.Under(scope) {
			s.connections.ToPlayers(ctx, []string{senderID}, updateMessage(msgs), true)
		}
	}
}

func updateMessage(updates []wire.UberStateUpdateMessage) wire.Message {
	if len(updates) == 1 {
		u := updates[0]
		return &u
	}
	sortUpdates(updates)
	return &wire.UberStateBatchUpdateMessage{Updates: updates}
}

func progressMessage(summary model.CompletionSummary) *wire.SyncBingoWorldsMessage {
	msg := &wire.SyncBingoWorldsMessage{Worlds: make([]wire.BingoWorldInfo, 0, len(summary.Worlds))}
	for _, w := range summary.Worlds {
		msg.Worlds = append(msg.Worlds, wire.BingoWorldInfo{
			WorldID: w.WorldID,
			Score:   w.Score,
			Rank:    int32(w.Rank),
			Squares: int32(w.Squares),
			Lines:   int32(w.Lines),
		})
	}
	return msg
}

// MovePlayerToWorld moves a player into worldID, or out of every world when
// worldID is zero. The population cache is updated inside the destination
// multiverse's critical section; observers of both multiverses then receive
// fresh multiverse info and the player receives a resync of the new world.
func (s *Sync) MovePlayerToWorld(ctx context.Context, playerID string, worldID int64) error {
	before, hadEntry := s.population.GetOrNull(playerID)
	if !hadEntry {
		before, _ = store.LoadPopulation(ctx, s.store, playerID)
	}

	prev, err := s.store.SetPlayerWorld(ctx, playerID, worldID)
	if err != nil {
		return fmt.Errorf("move player %s: %w", playerID, err)
	}
	if prev == worldID {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "sync.move_player", before.MultiverseID,
		attribute.String("player_id", playerID),
		attribute.Int64("world_id", worldID),
	)
	defer span.End()

	affected := make(map[string]struct{}, len(before.UniverseMemberIDs))
	for id := range before.UniverseMemberIDs {
		affected[id] = struct{}{}
	}

	var (
		entry model.PopulationEntry
		key   int64
	)
	if worldID != 0 {
		entry, err = store.LoadPopulation(ctx, s.store, playerID)
		if err != nil {
			s.population.Invalidate(playerID)
			return fmt.Errorf("load population of %s: %w", playerID, err)
		}
		for id := range entry.UniverseMemberIDs {
			affected[id] = struct{}{}
		}
		topo, err := store.LoadTopology(ctx, s.store, worldID)
		if err != nil {
			s.population.Invalidate(playerID)
			return fmt.Errorf("resolve world %d: %w", worldID, err)
		}
		key = aggregation.KeyFor(topo)
	} else {
		key = before.MultiverseID
	}
	delete(affected, playerID)

	err = s.engine.Do(ctx, key, func() error {
		if worldID != 0 {
			s.population.Put(entry)
		} else {
			s.population.Invalidate(playerID)
		}
		for id := range affected {
			s.population.Invalidate(id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := logging.FromContext(ctx, s.log)
	log.Info(ctx, "moved player", logging.Player(playerID), logging.Int64("from_world", prev), logging.World(worldID))

	if entry.MultiverseID != 0 {
		s.connections.SetScope(playerID, model.MultiverseScope(entry.MultiverseID))
	}
	if before.MultiverseID != 0 && before.MultiverseID != entry.MultiverseID {
		s.BroadcastMultiverseInfo(ctx, before.MultiverseID)
	}
	if entry.MultiverseID != 0 {
		s.BroadcastMultiverseInfo(ctx, entry.MultiverseID)
	}
	if worldID != 0 {
		s.ResyncWorld(ctx, playerID, worldID)
	}
	return nil
}

// ResyncWorld replays every known world-scope value of worldID to playerID.
func (s *Sync) ResyncWorld(ctx context.Context, playerID string, worldID int64) {
	values := s.policies.States().GetAllForScope(model.WorldScope(worldID))
	msg := &wire.UberStateBatchUpdateMessage{Resync: true, Updates: make([]wire.UberStateUpdateMessage, 0, len(values))}
	for id, v := range values {
		msg.Updates = append(msg.Updates, wire.UberStateUpdateMessage{ID: id, Value: v})
	}
	sortUpdates(msg.Updates)
	s.connections.ToPlayers(ctx, []string{playerID}, msg, true)
}

// Spectate makes playerID a spectator of multiverseID. A player with a world
// in that multiverse leaves it first.
func (s *Sync) Spectate(ctx context.Context, multiverseID int64, playerID string) error {
	if _, err := s.store.Multiverse(ctx, multiverseID); err != nil {
		return fmt.Errorf("spectate multiverse %d: %w", multiverseID, err)
	}
	if entry, err := s.population.Get(ctx, playerID); err == nil && entry.MultiverseID == multiverseID {
		if err := s.MovePlayerToWorld(ctx, playerID, 0); err != nil {
			return err
		}
	}
	if err := s.store.AddSpectator(ctx, multiverseID, playerID); err != nil {
		return fmt.Errorf("spectate multiverse %d: %w", multiverseID, err)
	}
	s.connections.SetSpectating(multiverseID, playerID, true)
	s.BroadcastMultiverseInfo(ctx, multiverseID)
	return nil
}

// BroadcastMultiverseInfo sends the current layout of a multiverse to all of
// its observers.
func (s *Sync) BroadcastMultiverseInfo(ctx context.Context, multiverseID int64) {
	msg, err := s.MultiverseInfo(ctx, multiverseID)
	if err != nil {
		logging.FromContext(ctx, s.log).Warn(ctx, "build multiverse info failed", logging.Multiverse(multiverseID), logging.Err(err))
		return
	}
	s.connections.ToObservers(ctx, model.MultiverseScope(multiverseID), multiverseID, msg)
}
