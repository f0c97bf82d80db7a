package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wotw-multiverse/syncserver/model"
)

// LoadPopulation builds a fresh population entry for playerID. A world whose
// universe or multiverse is missing yields an entry with zero parent ids.
func LoadPopulation(ctx context.Context, s Store, playerID string) (model.PopulationEntry, error) {
	world, err := s.FindWorld(ctx, playerID)
	if err != nil {
		return model.PopulationEntry{}, err
	}

	universe, err := s.Universe(ctx, world.UniverseID)
	if errors.Is(err, ErrNotFound) {
		return model.NewPopulationEntry(playerID, world.ID, 0, 0, nil, world.MemberIDs), nil
	}
	if err != nil {
		return model.PopulationEntry{}, fmt.Errorf("load universe %d: %w", world.UniverseID, err)
	}

	multiverseID := universe.MultiverseID
	if _, err := s.Multiverse(ctx, multiverseID); errors.Is(err, ErrNotFound) {
		multiverseID = 0
	} else if err != nil {
		return model.PopulationEntry{}, fmt.Errorf("load multiverse %d: %w", multiverseID, err)
	}

	members, err := s.Members(ctx, model.UniverseScope(universe.ID))
	if err != nil {
		return model.PopulationEntry{}, fmt.Errorf("list universe %d members: %w", universe.ID, err)
	}
	return model.NewPopulationEntry(playerID, world.ID, universe.ID, multiverseID, members, world.MemberIDs), nil
}

// LoadTopology resolves where worldID sits in the hierarchy. Missing parents
// are not an error: the topology is returned Orphaned.
func LoadTopology(ctx context.Context, s Store, worldID int64) (model.Topology, error) {
	world, err := s.World(ctx, worldID)
	if err != nil {
		return model.Topology{}, err
	}
	topo := model.Topology{WorldID: world.ID}

	universe, err := s.Universe(ctx, world.UniverseID)
	if errors.Is(err, ErrNotFound) {
		topo.Orphaned = true
		return topo, nil
	}
	if err != nil {
		return model.Topology{}, fmt.Errorf("load universe %d: %w", world.UniverseID, err)
	}
	if _, err := s.Multiverse(ctx, universe.MultiverseID); errors.Is(err, ErrNotFound) {
		topo.Orphaned = true
		return topo, nil
	} else if err != nil {
		return model.Topology{}, fmt.Errorf("load multiverse %d: %w", universe.MultiverseID, err)
	}
	topo.UniverseID = universe.ID
	topo.MultiverseID = universe.MultiverseID

	topo.UniverseWorldIDs, err = s.UniverseWorlds(ctx, universe.ID)
	if err != nil {
		return model.Topology{}, fmt.Errorf("list universe %d worlds: %w", universe.ID, err)
	}
	if !slices.Contains(topo.UniverseWorldIDs, world.ID) {
		topo.UniverseWorldIDs = append(topo.UniverseWorldIDs, world.ID)
	}

	universes, err := s.MultiverseUniverses(ctx, universe.MultiverseID)
	if err != nil {
		return model.Topology{}, fmt.Errorf("list multiverse %d universes: %w", universe.MultiverseID, err)
	}
	topo.UniverseOf = make(map[int64]int64)
	for _, uid := range universes {
		worlds := topo.UniverseWorldIDs
		if uid != universe.ID {
			worlds, err = s.UniverseWorlds(ctx, uid)
			if err != nil {
				return model.Topology{}, fmt.Errorf("list universe %d worlds: %w", uid, err)
			}
		}
		for _, wid := range worlds {
			topo.UniverseOf[wid] = uid
		}
		topo.MultiverseWorldIDs = append(topo.MultiverseWorldIDs, worlds...)
	}
	if !slices.Contains(topo.MultiverseWorldIDs, world.ID) {
		topo.MultiverseWorldIDs = append(topo.MultiverseWorldIDs, world.ID)
	}
	topo.UniverseOf[world.ID] = universe.ID
	return topo, nil
}
