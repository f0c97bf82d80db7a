package model

// PopulationEntry is a cached membership snapshot for one player. Entries are
// replaced wholesale on world transfer and never patched in place.
type PopulationEntry struct {
	PlayerID     string
	WorldID      int64
	UniverseID   int64
	MultiverseID int64

	UniverseMemberIDs map[string]struct{}
	WorldMemberIDs    map[string]struct{}
}

// NewPopulationEntry builds an entry, folding world members into the universe
// set so WorldMemberIDs is always a subset of UniverseMemberIDs.
func NewPopulationEntry(playerID string, world, universe, multiverse int64, universeMembers, worldMembers []string) PopulationEntry {
	entry := PopulationEntry{
		PlayerID:          playerID,
		WorldID:           world,
		UniverseID:        universe,
		MultiverseID:      multiverse,
		UniverseMemberIDs: make(map[string]struct{}, len(universeMembers)+len(worldMembers)),
		WorldMemberIDs:    make(map[string]struct{}, len(worldMembers)),
	}
	for _, id := range universeMembers {
		entry.UniverseMemberIDs[id] = struct{}{}
	}
	for _, id := range worldMembers {
		entry.WorldMemberIDs[id] = struct{}{}
		entry.UniverseMemberIDs[id] = struct{}{}
	}
	return entry
}

// Under reports whether the entry's world sits under scope.
func (e PopulationEntry) Under(scope ScopeKey) bool {
	switch scope.Kind {
	case ScopeWorld:
		return e.WorldID == scope.ID
	case ScopeUniverse:
		return e.UniverseID != 0 && e.UniverseID == scope.ID
	case ScopeMultiverse:
		return e.MultiverseID != 0 && e.MultiverseID == scope.ID
	}
	return false
}

// UniverseMembersExcept lists universe members other than exclude.
func (e PopulationEntry) UniverseMembersExcept(exclude string) []string {
	out := make([]string, 0, len(e.UniverseMemberIDs))
	for id := range e.UniverseMemberIDs {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
