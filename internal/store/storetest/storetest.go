// Package storetest holds a conformance suite shared by the store backends.
package storetest

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/model"
)

// FixtureYAML describes two multiverses. Multiverse 1 has two universes:
// universe 10 holds worlds 100 (alice, bob) and 101 (carol), universe 11
// holds world 110 (dave). Multiverse 2 has one empty world. erin has no world.
const FixtureYAML = `
players:
  - {id: alice, name: Alice, token: tok-alice, scopes: [multiverse.connect]}
  - {id: bob, name: Bob, token: tok-bob, scopes: [multiverse.connect, world.join]}
  - {id: carol, name: Carol, token: tok-carol, scopes: [multiverse.connect]}
  - {id: dave, name: Dave, token: tok-dave, scopes: [multiverse.connect]}
  - {id: erin, name: Erin, token: tok-erin, scopes: [multiverse.connect, multiverse.spectate]}
  - {id: mallory, name: Mallory, token: tok-mallory}
multiverses:
  - id: 1
    multi: true
    coop: true
    board:
      size: 2
      goals:
        - {x: 0, y: 0, text: Keys, group: 6, state: 2, threshold: 3}
        - {x: 1, y: 0, text: Ore, group: 6, state: 3, threshold: 5}
        - {x: 0, y: 1, text: Boss, group: 7, state: 1, threshold: 1}
        - {x: 1, y: 1, text: Shards, group: 7, state: 2, threshold: 2}
    universes:
      - id: 10
        name: Red
        worlds:
          - {id: 100, name: Red One, members: [alice, bob]}
          - {id: 101, name: Red Two, members: [carol]}
      - id: 11
        name: Blue
        worlds:
          - {id: 110, name: Blue One, members: [dave]}
  - id: 2
    universes:
      - id: 20
        worlds:
          - {id: 200, name: Lonely}
`

// Seed loads FixtureYAML into s.
func Seed(t testing.TB, s store.Seeder) store.Fixture {
	t.Helper()
	f, err := store.DecodeFixture(strings.NewReader(FixtureYAML))
	require.NoError(t, err)
	require.NoError(t, f.Apply(context.Background(), s))
	return f
}

// Run exercises a backend against the store.Store contract. newBackend must
// return an empty backend; Run closes it.
func Run(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Run("Lookups", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		p, err := s.Player(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", p.Name)
		assert.Equal(t, int64(100), p.WorldID)
		assert.Equal(t, []string{"multiverse.connect"}, p.Scopes)

		w, err := s.World(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(10), w.UniverseID)
		assert.ElementsMatch(t, []string{"alice", "bob"}, w.MemberIDs)

		u, err := s.Universe(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, int64(1), u.MultiverseID)

		mv, err := s.Multiverse(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, mv.Board)
		assert.Len(t, mv.Board.Goals, 4)
		assert.True(t, mv.Props.IsCoop)

		_, err = s.Player(ctx, "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.World(ctx, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Universe(ctx, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.Multiverse(ctx, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		assert.ErrorIs(t, s.CreatePlayer(ctx, model.Player{ID: "alice"}), store.ErrAlreadyExists)
		assert.ErrorIs(t, s.CreateMultiverse(ctx, model.Multiverse{ID: 1}), store.ErrAlreadyExists)
		assert.ErrorIs(t, s.CreateUniverse(ctx, model.Universe{ID: 10, MultiverseID: 1}), store.ErrAlreadyExists)
		assert.ErrorIs(t, s.CreateWorld(ctx, model.World{ID: 100, UniverseID: 10}), store.ErrAlreadyExists)
		assert.ErrorIs(t, s.CreateUniverse(ctx, model.Universe{ID: 30, MultiverseID: 404}), store.ErrNotFound)
		assert.ErrorIs(t, s.CreateWorld(ctx, model.World{ID: 300, UniverseID: 404}), store.ErrNotFound)
	})

	t.Run("FindWorld", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		w, err := s.FindWorld(ctx, "carol")
		require.NoError(t, err)
		assert.Equal(t, int64(101), w.ID)

		_, err = s.FindWorld(ctx, "erin")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindWorld(ctx, "nobody")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Members", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		members, err := s.Members(ctx, model.WorldScope(100))
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, members)

		members, err = s.Members(ctx, model.UniverseScope(10))
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol"}, members)

		members, err = s.Members(ctx, model.MultiverseScope(1))
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, members)

		members, err = s.Members(ctx, model.MultiverseScope(2))
		require.NoError(t, err)
		assert.Empty(t, members)

		worlds, err := s.UniverseWorlds(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{100, 101}, worlds)

		universes, err := s.MultiverseUniverses(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 11}, universes)
	})

	t.Run("SetPlayerWorld", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		prev, err := s.SetPlayerWorld(ctx, "bob", 110)
		require.NoError(t, err)
		assert.Equal(t, int64(100), prev)

		w, err := s.World(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, w.MemberIDs)
		w, err = s.World(ctx, 110)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"dave", "bob"}, w.MemberIDs)

		found, err := s.FindWorld(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(110), found.ID)

		prev, err = s.SetPlayerWorld(ctx, "erin", 200)
		require.NoError(t, err)
		assert.Zero(t, prev)

		prev, err = s.SetPlayerWorld(ctx, "erin", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(200), prev)
		_, err = s.FindWorld(ctx, "erin")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.SetPlayerWorld(ctx, "erin", 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.SetPlayerWorld(ctx, "nobody", 100)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("Spectators", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		require.NoError(t, s.AddSpectator(ctx, 1, "erin"))
		require.NoError(t, s.AddSpectator(ctx, 1, "erin"))
		mv, err := s.Multiverse(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"erin"}, mv.SpectatorIDs)

		assert.ErrorIs(t, s.AddSpectator(ctx, 404, "erin"), store.ErrNotFound)
		assert.ErrorIs(t, s.AddSpectator(ctx, 1, "nobody"), store.ErrNotFound)
	})

	t.Run("Completions", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		_, err := s.Completions(ctx, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)

		summary := model.CompletionSummary{Worlds: []model.WorldCompletion{
			{WorldID: 100, Squares: 2, Lines: 1, Rank: 1, Score: "2 (1 line)"},
		}}
		require.NoError(t, s.UpdateCompletions(ctx, 1, summary))
		got, err := s.Completions(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.MultiverseID)
		assert.Equal(t, summary.Worlds, got.Worlds)

		assert.ErrorIs(t, s.UpdateCompletions(ctx, 404, summary), store.ErrNotFound)
	})

	t.Run("Resolve", func(t *testing.T) {
		s := newBackend(t)
		defer s.Close()
		Seed(t, s)
		ctx := context.Background()

		entry, err := store.LoadPopulation(ctx, s, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(100), entry.WorldID)
		assert.Equal(t, int64(10), entry.UniverseID)
		assert.Equal(t, int64(1), entry.MultiverseID)
		assert.Len(t, entry.UniverseMemberIDs, 3)
		assert.Len(t, entry.WorldMemberIDs, 2)

		_, err = store.LoadPopulation(ctx, s, "erin")
		assert.ErrorIs(t, err, store.ErrNotFound)

		topo, err := store.LoadTopology(ctx, s, 101)
		require.NoError(t, err)
		assert.False(t, topo.Orphaned)
		assert.Equal(t, []int64{100, 101}, topo.UniverseWorldIDs)
		assert.ElementsMatch(t, []int64{100, 101, 110}, topo.MultiverseWorldIDs)
		assert.Equal(t, map[int64]int64{100: 10, 101: 10, 110: 11}, topo.UniverseOf)
		assert.ElementsMatch(t, []int64{110}, topo.Sibling(110).UniverseWorldIDs)

		_, err = store.LoadTopology(ctx, s, 999)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
