// Package memstore is an in-memory, thread-safe store.Backend.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/model"
)

// Store keeps the hierarchy in maps guarded by a single RWMutex. Values
// handed out are copies; callers never alias internal slices.
type Store struct {
	mu sync.RWMutex

	players     map[string]*model.Player
	worlds      map[int64]*model.World
	universes   map[int64]*model.Universe
	multiverses map[int64]*model.Multiverse
	completions map[int64]model.CompletionSummary
}

var _ store.Backend = (*Store)(nil)

// New constructs an empty store.
func New() *Store {
	return &Store{
		players:     make(map[string]*model.Player),
		worlds:      make(map[int64]*model.World),
		universes:   make(map[int64]*model.Universe),
		multiverses: make(map[int64]*model.Multiverse),
		completions: make(map[int64]model.CompletionSummary),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// CreatePlayer adds a player. A non-zero WorldID is ignored; membership is
// established by CreateWorld or SetPlayerWorld.
func (s *Store) CreatePlayer(_ context.Context, p model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[p.ID]; exists {
		return fmt.Errorf("player %q: %w", p.ID, store.ErrAlreadyExists)
	}
	p.WorldID = 0
	p.Scopes = slices.Clone(p.Scopes)
	s.players[p.ID] = &p
	return nil
}

// CreateMultiverse adds a multiverse.
func (s *Store) CreateMultiverse(_ context.Context, mv model.Multiverse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.multiverses[mv.ID]; exists {
		return fmt.Errorf("multiverse %d: %w", mv.ID, store.ErrAlreadyExists)
	}
	mv = cloneMultiverse(mv)
	s.multiverses[mv.ID] = &mv
	return nil
}

// CreateUniverse adds a universe; its multiverse must exist.
func (s *Store) CreateUniverse(_ context.Context, u model.Universe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.universes[u.ID]; exists {
		return fmt.Errorf("universe %d: %w", u.ID, store.ErrAlreadyExists)
	}
	if _, ok := s.multiverses[u.MultiverseID]; !ok {
		return fmt.Errorf("multiverse %d for universe %d: %w", u.MultiverseID, u.ID, store.ErrNotFound)
	}
	s.universes[u.ID] = &u
	return nil
}

// CreateWorld adds a world and moves its listed members into it.
func (s *Store) CreateWorld(_ context.Context, w model.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.worlds[w.ID]; exists {
		return fmt.Errorf("world %d: %w", w.ID, store.ErrAlreadyExists)
	}
	if _, ok := s.universes[w.UniverseID]; !ok {
		return fmt.Errorf("universe %d for world %d: %w", w.UniverseID, w.ID, store.ErrNotFound)
	}
	for _, id := range w.MemberIDs {
		if _, ok := s.players[id]; !ok {
			return fmt.Errorf("member %q of world %d: %w", id, w.ID, store.ErrNotFound)
		}
	}

	members := w.MemberIDs
	w.MemberIDs = nil
	s.worlds[w.ID] = &w
	for _, id := range members {
		s.movePlayerLocked(id, w.ID)
	}
	return nil
}

// Player returns a copy of the player record.
func (s *Store) Player(_ context.Context, id string) (model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return model.Player{}, fmt.Errorf("player %q: %w", id, store.ErrNotFound)
	}
	out := *p
	out.Scopes = slices.Clone(p.Scopes)
	return out, nil
}

// World returns a copy of the world record.
func (s *Store) World(_ context.Context, id int64) (model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.worlds[id]
	if !ok {
		return model.World{}, fmt.Errorf("world %d: %w", id, store.ErrNotFound)
	}
	return cloneWorld(*w), nil
}

// Universe returns a copy of the universe record.
func (s *Store) Universe(_ context.Context, id int64) (model.Universe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.universes[id]
	if !ok {
		return model.Universe{}, fmt.Errorf("universe %d: %w", id, store.ErrNotFound)
	}
	return *u, nil
}

// Multiverse returns a copy of the multiverse record.
func (s *Store) Multiverse(_ context.Context, id int64) (model.Multiverse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mv, ok := s.multiverses[id]
	if !ok {
		return model.Multiverse{}, fmt.Errorf("multiverse %d: %w", id, store.ErrNotFound)
	}
	return cloneMultiverse(*mv), nil
}

// FindWorld returns the world playerID is a member of.
func (s *Store) FindWorld(_ context.Context, playerID string) (model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[playerID]
	if !ok || p.WorldID == 0 {
		return model.World{}, fmt.Errorf("world of player %q: %w", playerID, store.ErrNotFound)
	}
	w, ok := s.worlds[p.WorldID]
	if !ok {
		return model.World{}, fmt.Errorf("world %d of player %q: %w", p.WorldID, playerID, store.ErrNotFound)
	}
	return cloneWorld(*w), nil
}

// Members lists the player ids under scope, sorted.
func (s *Store) Members(_ context.Context, scope model.ScopeKey) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, w := range s.worlds {
		if s.worldUnderLocked(w, scope) {
			out = append(out, w.MemberIDs...)
		}
	}
	sort.Strings(out)
	return out, nil
}

// UniverseWorlds lists the world ids of a universe, sorted.
func (s *Store) UniverseWorlds(_ context.Context, universeID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int64
	for _, w := range s.worlds {
		if w.UniverseID == universeID {
			out = append(out, w.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// MultiverseUniverses lists the universe ids of a multiverse, sorted.
func (s *Store) MultiverseUniverses(_ context.Context, multiverseID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []int64
	for _, u := range s.universes {
		if u.MultiverseID == multiverseID {
			out = append(out, u.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// SetPlayerWorld moves a player between worlds.
func (s *Store) SetPlayerWorld(_ context.Context, playerID string, worldID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[playerID]
	if !ok {
		return 0, fmt.Errorf("player %q: %w", playerID, store.ErrNotFound)
	}
	if worldID != 0 {
		if _, ok := s.worlds[worldID]; !ok {
			return 0, fmt.Errorf("world %d: %w", worldID, store.ErrNotFound)
		}
	}
	previous := p.WorldID
	s.movePlayerLocked(playerID, worldID)
	return previous, nil
}

// AddSpectator records playerID as a spectator of the multiverse.
func (s *Store) AddSpectator(_ context.Context, multiverseID int64, playerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mv, ok := s.multiverses[multiverseID]
	if !ok {
		return fmt.Errorf("multiverse %d: %w", multiverseID, store.ErrNotFound)
	}
	if _, ok := s.players[playerID]; !ok {
		return fmt.Errorf("player %q: %w", playerID, store.ErrNotFound)
	}
	if !slices.Contains(mv.SpectatorIDs, playerID) {
		mv.SpectatorIDs = append(mv.SpectatorIDs, playerID)
	}
	return nil
}

// UpdateCompletions stores the latest board summary of a multiverse.
func (s *Store) UpdateCompletions(_ context.Context, multiverseID int64, summary model.CompletionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.multiverses[multiverseID]; !ok {
		return fmt.Errorf("multiverse %d: %w", multiverseID, store.ErrNotFound)
	}
	summary.MultiverseID = multiverseID
	summary.Worlds = slices.Clone(summary.Worlds)
	s.completions[multiverseID] = summary
	return nil
}

// Completions returns the last stored summary.
func (s *Store) Completions(_ context.Context, multiverseID int64) (model.CompletionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.completions[multiverseID]
	if !ok {
		return model.CompletionSummary{}, fmt.Errorf("completions of multiverse %d: %w", multiverseID, store.ErrNotFound)
	}
	summary.Worlds = slices.Clone(summary.Worlds)
	return summary, nil
}

func (s *Store) movePlayerLocked(playerID string, worldID int64) {
	p := s.players[playerID]
	if prev, ok := s.worlds[p.WorldID]; ok {
		prev.MemberIDs = slices.DeleteFunc(prev.MemberIDs, func(id string) bool { return id == playerID })
	}
	p.WorldID = worldID
	if next, ok := s.worlds[worldID]; ok && !slices.Contains(next.MemberIDs, playerID) {
		next.MemberIDs = append(next.MemberIDs, playerID)
	}
}

func (s *Store) worldUnderLocked(w *model.World, scope model.ScopeKey) bool {
	switch scope.Kind {
	case model.ScopeWorld:
		return w.ID == scope.ID
	case model.ScopeUniverse:
		return w.UniverseID == scope.ID
	case model.ScopeMultiverse:
		u, ok := s.universes[w.UniverseID]
		return ok && u.MultiverseID == scope.ID
	}
	return false
}

func cloneWorld(w model.World) model.World {
	w.MemberIDs = slices.Clone(w.MemberIDs)
	return w
}

func cloneMultiverse(mv model.Multiverse) model.Multiverse {
	mv.SpectatorIDs = slices.Clone(mv.SpectatorIDs)
	if mv.Board != nil {
		b := *mv.Board
		b.Goals = slices.Clone(b.Goals)
		mv.Board = &b
	}
	return mv
}
