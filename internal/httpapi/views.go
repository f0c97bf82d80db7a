package httpapi

import (
	"maps"
	"slices"

	"github.com/wotw-multiverse/syncserver/internal/wire"
	"github.com/wotw-multiverse/syncserver/model"
)

type userView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type worldView struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	Members []userView `json:"members"`
}

type universeView struct {
	ID     int64       `json:"id"`
	Name   string      `json:"name"`
	Worlds []worldView `json:"worlds"`
}

type multiverseView struct {
	ID            int64          `json:"id"`
	Universes     []universeView `json:"universes"`
	HasBingoBoard bool           `json:"has_bingo_board"`
	Spectators    []userView     `json:"spectators"`
}

type completionView struct {
	WorldID int64  `json:"world_id"`
	Squares int    `json:"squares"`
	Lines   int    `json:"lines"`
	Rank    int    `json:"rank"`
	Score   string `json:"score"`
}

type populationView struct {
	PlayerID          string   `json:"player_id"`
	WorldID           int64    `json:"world_id"`
	UniverseID        int64    `json:"universe_id"`
	MultiverseID      int64    `json:"multiverse_id"`
	UniverseMemberIDs []string `json:"universe_members"`
	WorldMemberIDs    []string `json:"world_members"`
}

// stateUpdate is the body of the developer state injection endpoint.
type stateUpdate struct {
	Group int32    `json:"group" binding:"gte=0"`
	State int32    `json:"state" binding:"gte=0"`
	Value *float64 `json:"value" binding:"required"`
}

func usersView(in []wire.UserInfo) []userView {
	out := make([]userView, 0, len(in))
	for _, u := range in {
		out = append(out, userView{ID: u.ID, Name: u.Name, Avatar: u.AvatarID})
	}
	return out
}

func newWorldView(w wire.WorldInfo) worldView {
	return worldView{ID: w.ID, Name: w.Name, Members: usersView(w.Members)}
}

func newMultiverseView(m *wire.MultiverseInfoMessage) multiverseView {
	out := multiverseView{
		ID:            m.ID,
		Universes:     make([]universeView, 0, len(m.Universes)),
		HasBingoBoard: m.HasBingoBoard,
		Spectators:    usersView(m.Spectators),
	}
	for _, u := range m.Universes {
		uv := universeView{ID: u.ID, Name: u.Name, Worlds: make([]worldView, 0, len(u.Worlds))}
		for _, w := range u.Worlds {
			uv.Worlds = append(uv.Worlds, newWorldView(w))
		}
		out.Universes = append(out.Universes, uv)
	}
	return out
}

func newCompletionsView(summary model.CompletionSummary) []completionView {
	out := make([]completionView, 0, len(summary.Worlds))
	for _, w := range summary.Worlds {
		out = append(out, completionView{WorldID: w.WorldID, Squares: w.Squares, Lines: w.Lines, Rank: w.Rank, Score: w.Score})
	}
	return out
}

func newPopulationView(e model.PopulationEntry) populationView {
	return populationView{
		PlayerID:          e.PlayerID,
		WorldID:           e.WorldID,
		UniverseID:        e.UniverseID,
		MultiverseID:      e.MultiverseID,
		UniverseMemberIDs: slices.Sorted(maps.Keys(e.UniverseMemberIDs)),
		WorldMemberIDs:    slices.Sorted(maps.Keys(e.WorldMemberIDs)),
	}
}
