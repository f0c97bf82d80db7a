// Package store defines the persistence contract for the multiverse
// hierarchy and the helpers that resolve cache entries from it.
package store

import (
	"context"
	"errors"

	"github.com/wotw-multiverse/syncserver/model"
)

var (
	// ErrNotFound is returned when a record does not exist, or when a player
	// is not a member of any world.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned by Create* calls for a taken id.
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the hierarchy lookup and mutation surface used by the sync core.
// Implementations must be safe for concurrent use.
type Store interface {
	Player(ctx context.Context, id string) (model.Player, error)
	World(ctx context.Context, id int64) (model.World, error)
	Universe(ctx context.Context, id int64) (model.Universe, error)
	Multiverse(ctx context.Context, id int64) (model.Multiverse, error)

	// FindWorld returns the world the player currently belongs to.
	FindWorld(ctx context.Context, playerID string) (model.World, error)
	// Members lists player ids under scope.
	Members(ctx context.Context, scope model.ScopeKey) ([]string, error)
	UniverseWorlds(ctx context.Context, universeID int64) ([]int64, error)
	MultiverseUniverses(ctx context.Context, multiverseID int64) ([]int64, error)

	// SetPlayerWorld moves the player into worldID (zero leaves every world)
	// and returns the previous world id, zero when there was none.
	SetPlayerWorld(ctx context.Context, playerID string, worldID int64) (int64, error)
	AddSpectator(ctx context.Context, multiverseID int64, playerID string) error

	UpdateCompletions(ctx context.Context, multiverseID int64, summary model.CompletionSummary) error
	Completions(ctx context.Context, multiverseID int64) (model.CompletionSummary, error)
}

// Seeder creates hierarchy records. Both backends implement it; the seed
// command and tests use it to load fixtures.
type Seeder interface {
	CreatePlayer(ctx context.Context, p model.Player) error
	CreateMultiverse(ctx context.Context, mv model.Multiverse) error
	CreateUniverse(ctx context.Context, u model.Universe) error
	CreateWorld(ctx context.Context, w model.World) error
}

// Backend is a Store that can also be seeded and closed.
type Backend interface {
	Store
	Seeder
	Close() error
}
