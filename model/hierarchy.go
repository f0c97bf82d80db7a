package model

// Player is an account that can be a member of at most one world at a time.
type Player struct {
	ID       string
	Name     string
	AvatarID string
	// WorldID is zero when the player is not in any world.
	WorldID int64
	// Scopes lists the capabilities granted to the player.
	Scopes []string
}

// World is a single save-state instance shared by its members.
type World struct {
	ID         int64
	UniverseID int64
	Name       string
	MemberIDs  []string
}

// Universe groups worlds that share pooled/co-op state.
type Universe struct {
	ID           int64
	MultiverseID int64
	Name         string
}

// VerseProperties toggles which classes of states a multiverse syncs.
type VerseProperties struct {
	IsMulti bool
	IsCoop  bool
}

// Multiverse is the top-level session containing universes and spectators.
type Multiverse struct {
	ID           int64
	SpectatorIDs []string
	Board        *Board
	Props        VerseProperties
}
