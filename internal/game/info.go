package game

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

const unknownPlayerName = "Mystery User"

// MultiverseInfo describes the universes, worlds, members and spectators of
// a multiverse.
func (s *Sync) MultiverseInfo(ctx context.Context, multiverseID int64) (*wire.MultiverseInfoMessage, error) {
	mv, err := s.store.Multiverse(ctx, multiverseID)
	if err != nil {
		return nil, err
	}
	msg := &wire.MultiverseInfoMessage{ID: mv.ID, HasBingoBoard: mv.Board != nil}

	universeIDs, err := s.store.MultiverseUniverses(ctx, multiverseID)
	if err != nil {
		return nil, fmt.Errorf("list universes: %w", err)
	}
	for _, uid := range universeIDs {
		u, err := s.store.Universe(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("load universe %d: %w", uid, err)
		}
		info := wire.UniverseInfo{ID: u.ID, Name: u.Name}

		worldIDs, err := s.store.UniverseWorlds(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("list worlds of universe %d: %w", uid, err)
		}
		for _, wid := range worldIDs {
			w, err := s.store.World(ctx, wid)
			if err != nil {
				return nil, fmt.Errorf("load world %d: %w", wid, err)
			}
			info.Worlds = append(info.Worlds, wire.WorldInfo{ID: w.ID, Name: w.Name, Members: s.users(ctx, w.MemberIDs)})
		}
		msg.Universes = append(msg.Universes, info)
	}
	msg.Spectators = s.users(ctx, mv.SpectatorIDs)
	return msg, nil
}

// WorldInfo describes one world of multiverseID. A world of another
// multiverse is reported as not found.
func (s *Sync) WorldInfo(ctx context.Context, multiverseID, worldID int64) (wire.WorldInfo, error) {
	w, err := s.store.World(ctx, worldID)
	if err != nil {
		return wire.WorldInfo{}, err
	}
	u, err := s.store.Universe(ctx, w.UniverseID)
	if err != nil {
		return wire.WorldInfo{}, fmt.Errorf("load universe %d: %w", w.UniverseID, err)
	}
	if u.MultiverseID != multiverseID {
		return wire.WorldInfo{}, fmt.Errorf("world %d in multiverse %d: %w", worldID, multiverseID, store.ErrNotFound)
	}
	return wire.WorldInfo{ID: w.ID, Name: w.Name, Members: s.users(ctx, w.MemberIDs)}, nil
}

func (s *Sync) users(ctx context.Context, ids []string) []wire.UserInfo {
	out := make([]wire.UserInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.user(ctx, id))
	}
	return out
}

func (s *Sync) user(ctx context.Context, id string) wire.UserInfo {
	p, err := s.store.Player(ctx, id)
	if err != nil {
		return wire.UserInfo{ID: id, Name: unknownPlayerName}
	}
	return wire.UserInfo{ID: p.ID, Name: p.Name, AvatarID: p.AvatarID}
}

// InitGameSync lists the uber states a session in mv synchronises: every
// state with an explicit policy when the multiverse shares state at all,
// plus the states its board goals watch.
func (s *Sync) InitGameSync(mv model.Multiverse) *wire.InitGameSyncMessage {
	var ids []model.UberStateID
	if mv.Props.IsMulti || mv.Props.IsCoop {
		ids = append(ids, s.policies.SyncedStates()...)
	}
	ids = append(ids, mv.Board.States()...)
	slices.SortFunc(ids, compareIDs)
	return &wire.InitGameSyncMessage{UberStates: slices.Compact(ids)}
}

// Greeting is the overlay text shown when a session binds to a world.
func (s *Sync) Greeting(ctx context.Context, playerName string, multiverseID int64, world model.World) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - Connected to multiverse %d", playerName, multiverseID)
	names := make([]string, 0, len(world.MemberIDs))
	for _, u := range s.users(ctx, world.MemberIDs) {
		names = append(names, u.Name)
	}
	fmt.Fprintf(&b, "\nWorld: %s\n%s", world.Name, strings.Join(names, ", "))
	return b.String()
}

// Progress returns the last persisted board progress of a multiverse, or
// nil when none was recorded yet.
func (s *Sync) Progress(ctx context.Context, multiverseID int64) (*wire.SyncBingoWorldsMessage, error) {
	summary, err := s.store.Completions(ctx, multiverseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return progressMessage(summary), nil
}

func sortUpdates(updates []wire.UberStateUpdateMessage) {
	slices.SortFunc(updates, func(a, b wire.UberStateUpdateMessage) int { return compareIDs(a.ID, b.ID) })
}

func compareIDs(a, b model.UberStateID) int {
	if c := cmp.Compare(a.Group, b.Group); c != 0 {
		return c
	}
	return cmp.Compare(a.State, b.State)
}
