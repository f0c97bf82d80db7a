// Package badgerstore persists the multiverse hierarchy in BadgerDB with
// msgpack-encoded records.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/model"
	"github.com/wotw-multiverse/syncserver/timectrl"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the data directory; ignored when InMemory is set.
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`

	SyncWrites        bool `yaml:"sync_writes"`
	NumVersionsToKeep int  `yaml:"num_versions_to_keep" validate:"gte=0"`

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives Badger's internal logs; nil silences them.
	Logger logging.Logger `yaml:"-"`
}

// DefaultConfig returns durable defaults for a persistent store.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

const maxTxnAttempts = 3

// Store is a store.Backend over a BadgerDB instance.
type Store struct {
	db     *badger.DB
	log    logging.Logger
	stopGC context.CancelFunc
	gcDone <-chan struct{}
}

var _ store.Backend = (*Store)(nil)

// Open opens the database described by cfg and starts value log GC when
// configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.NumVersionsToKeep <= 0 {
		cfg.NumVersionsToKeep = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(cfg.NumVersionsToKeep)

	log := cfg.Logger
	if log != nil {
		opts = opts.WithLogger(&badgerLogger{log: log})
	} else {
		log = logging.Noop()
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopGC = cancel
		s.gcDone = timectrl.Every(ctx, cfg.GCInterval, func(time.Time) {
			s.runGC(ctx, cfg.GCDiscardRatio)
		})
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		s.stopGC()
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *Store) runGC(ctx context.Context, ratio float64) {
	err := s.db.RunValueLogGC(ratio)
	switch {
	case err == nil:
		s.log.Debug(ctx, "badger value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		s.log.Warn(ctx, "badger value log GC error", logging.Err(err))
	}
}

// badgerLogger adapts logging.Logger to Badger's Logger interface.
type badgerLogger struct {
	log logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

// ---- keys ----

func playerKey(id string) []byte                { return []byte("p/" + id) }
func worldKey(id int64) []byte                  { return []byte("w/" + strconv.FormatInt(id, 10)) }
func universeKey(id int64) []byte               { return []byte("u/" + strconv.FormatInt(id, 10)) }
func multiverseKey(id int64) []byte             { return []byte("m/" + strconv.FormatInt(id, 10)) }
func completionKey(id int64) []byte             { return []byte("c/" + strconv.FormatInt(id, 10)) }
func universeWorldsPrefix(id int64) []byte      { return []byte("ix/u/" + strconv.FormatInt(id, 10) + "/") }
func multiverseUniversesPrefix(id int64) []byte { return []byte("ix/m/" + strconv.FormatInt(id, 10) + "/") }

func indexKey(prefix []byte, child int64) []byte {
	return append(slices.Clone(prefix), strconv.FormatInt(child, 10)...)
}

// ---- txn helpers ----

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnAttempts {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func get(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, out)
	})
}

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func children(txn *badger.Txn, prefix []byte) ([]int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []int64
	for it.Rewind(); it.Valid(); it.Next() {
		raw := it.Item().Key()[len(prefix):]
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt index key %q: %w", it.Item().Key(), err)
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// ---- Seeder ----

// CreatePlayer adds a player without world membership.
func (s *Store) CreatePlayer(_ context.Context, p model.Player) error {
	p.WorldID = 0
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, playerKey(p.ID)); err != nil || ok {
			return alreadyExists(err, "player %q", p.ID)
		}
		return put(txn, playerKey(p.ID), p)
	})
}

// CreateMultiverse adds a multiverse.
func (s *Store) CreateMultiverse(_ context.Context, mv model.Multiverse) error {
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, multiverseKey(mv.ID)); err != nil || ok {
			return alreadyExists(err, "multiverse %d", mv.ID)
		}
		return put(txn, multiverseKey(mv.ID), mv)
	})
}

// CreateUniverse adds a universe and indexes it under its multiverse.
func (s *Store) CreateUniverse(_ context.Context, u model.Universe) error {
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, universeKey(u.ID)); err != nil || ok {
			return alreadyExists(err, "universe %d", u.ID)
		}
		if ok, err := exists(txn, multiverseKey(u.MultiverseID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("multiverse %d for universe %d: %w", u.MultiverseID, u.ID, store.ErrNotFound)
		}
		if err := put(txn, universeKey(u.ID), u); err != nil {
			return err
		}
		return txn.Set(indexKey(multiverseUniversesPrefix(u.MultiverseID), u.ID), nil)
	})
}

// CreateWorld adds a world, indexes it under its universe and moves the
// listed members into it.
func (s *Store) CreateWorld(_ context.Context, w model.World) error {
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, worldKey(w.ID)); err != nil || ok {
			return alreadyExists(err, "world %d", w.ID)
		}
		if ok, err := exists(txn, universeKey(w.UniverseID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("universe %d for world %d: %w", w.UniverseID, w.ID, store.ErrNotFound)
		}
		members := w.MemberIDs
		w.MemberIDs = nil
		if err := put(txn, worldKey(w.ID), w); err != nil {
			return err
		}
		if err := txn.Set(indexKey(universeWorldsPrefix(w.UniverseID), w.ID), nil); err != nil {
			return err
		}
		for _, id := range members {
			if _, err := movePlayer(txn, id, w.ID); err != nil {
				return fmt.Errorf("member of world %d: %w", w.ID, err)
			}
		}
		return nil
	})
}

func alreadyExists(err error, format string, args ...any) error {
	if err != nil {
		return err
	}
	return fmt.Errorf(format+": %w", append(args, store.ErrAlreadyExists)...)
}

// ---- Store ----

// Player loads a player record.
func (s *Store) Player(_ context.Context, id string) (model.Player, error) {
	var p model.Player
	err := s.db.View(func(txn *badger.Txn) error { return get(txn, playerKey(id), &p) })
	if err != nil {
		return model.Player{}, fmt.Errorf("player %q: %w", id, err)
	}
	return p, nil
}

// World loads a world record.
func (s *Store) World(_ context.Context, id int64) (model.World, error) {
	var w model.World
	err := s.db.View(func(txn *badger.Txn) error { return get(txn, worldKey(id), &w) })
	if err != nil {
		return model.World{}, fmt.Errorf("world %d: %w", id, err)
	}
	return w, nil
}

// Universe loads a universe record.
func (s *Store) Universe(_ context.Context, id int64) (model.Universe, error) {
	var u model.Universe
	err := s.db.View(func(txn *badger.Txn) error { return get(txn, universeKey(id), &u) })
	if err != nil {
		return model.Universe{}, fmt.Errorf("universe %d: %w", id, err)
	}
	return u, nil
}

// Multiverse loads a multiverse record.
func (s *Store) Multiverse(_ context.Context, id int64) (model.Multiverse, error) {
	var mv model.Multiverse
	err := s.db.View(func(txn *badger.Txn) error { return get(txn, multiverseKey(id), &mv) })
	if err != nil {
		return model.Multiverse{}, fmt.Errorf("multiverse %d: %w", id, err)
	}
	return mv, nil
}

// FindWorld returns the world playerID is a member of.
func (s *Store) FindWorld(_ context.Context, playerID string) (model.World, error) {
	var w model.World
	err := s.db.View(func(txn *badger.Txn) error {
		var p model.Player
		if err := get(txn, playerKey(playerID), &p); err != nil {
			return err
		}
		if p.WorldID == 0 {
			return store.ErrNotFound
		}
		return get(txn, worldKey(p.WorldID), &w)
	})
	if err != nil {
		return model.World{}, fmt.Errorf("world of player %q: %w", playerID, err)
	}
	return w, nil
}

// Members lists the player ids under scope, sorted.
func (s *Store) Members(_ context.Context, scope model.ScopeKey) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		worlds, err := worldsUnder(txn, scope)
		if err != nil {
			return err
		}
		for _, wid := range worlds {
			var w model.World
			if err := get(txn, worldKey(wid), &w); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}
			out = append(out, w.MemberIDs...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", scope, err)
	}
	sort.Strings(out)
	return out, nil
}

func worldsUnder(txn *badger.Txn, scope model.ScopeKey) ([]int64, error) {
	switch scope.Kind {
	case model.ScopeWorld:
		return []int64{scope.ID}, nil
	case model.ScopeUniverse:
		return children(txn, universeWorldsPrefix(scope.ID))
	case model.ScopeMultiverse:
		universes, err := children(txn, multiverseUniversesPrefix(scope.ID))
		if err != nil {
			return nil, err
		}
		var out []int64
		for _, u := range universes {
			worlds, err := children(txn, universeWorldsPrefix(u))
			if err != nil {
				return nil, err
			}
			out = append(out, worlds...)
		}
		return out, nil
	}
	return nil, nil
}

// UniverseWorlds lists the world ids of a universe.
func (s *Store) UniverseWorlds(_ context.Context, universeID int64) ([]int64, error) {
	var out []int64
	err := s.db.View(func(txn *badger.Txn) (err error) {
		out, err = children(txn, universeWorldsPrefix(universeID))
		return err
	})
	return out, err
}

// MultiverseUniverses lists the universe ids of a multiverse.
func (s *Store) MultiverseUniverses(_ context.Context, multiverseID int64) ([]int64, error) {
	var out []int64
	err := s.db.View(func(txn *badger.Txn) (err error) {
		out, err = children(txn, multiverseUniversesPrefix(multiverseID))
		return err
	})
	return out, err
}

// SetPlayerWorld moves a player between worlds in one transaction.
func (s *Store) SetPlayerWorld(_ context.Context, playerID string, worldID int64) (int64, error) {
	var previous int64
	err := s.update(func(txn *badger.Txn) (err error) {
		previous, err = movePlayer(txn, playerID, worldID)
		return err
	})
	return previous, err
}

func movePlayer(txn *badger.Txn, playerID string, worldID int64) (int64, error) {
	var p model.Player
	if err := get(txn, playerKey(playerID), &p); err != nil {
		return 0, fmt.Errorf("player %q: %w", playerID, err)
	}
	var next model.World
	if worldID != 0 {
		if err := get(txn, worldKey(worldID), &next); err != nil {
			return 0, fmt.Errorf("world %d: %w", worldID, err)
		}
	}

	previous := p.WorldID
	if previous != 0 && previous != worldID {
		var prev model.World
		switch err := get(txn, worldKey(previous), &prev); {
		case err == nil:
			prev.MemberIDs = slices.DeleteFunc(prev.MemberIDs, func(id string) bool { return id == playerID })
			if err := put(txn, worldKey(previous), prev); err != nil {
				return 0, err
			}
		case !errors.Is(err, store.ErrNotFound):
			return 0, err
		}
	}
	if worldID != 0 && !slices.Contains(next.MemberIDs, playerID) {
		next.MemberIDs = append(next.MemberIDs, playerID)
		if err := put(txn, worldKey(worldID), next); err != nil {
			return 0, err
		}
	}

	p.WorldID = worldID
	return previous, put(txn, playerKey(playerID), p)
}

// AddSpectator records playerID as a spectator of the multiverse.
func (s *Store) AddSpectator(_ context.Context, multiverseID int64, playerID string) error {
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, playerKey(playerID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("player %q: %w", playerID, store.ErrNotFound)
		}
		var mv model.Multiverse
		if err := get(txn, multiverseKey(multiverseID), &mv); err != nil {
			return fmt.Errorf("multiverse %d: %w", multiverseID, err)
		}
		if slices.Contains(mv.SpectatorIDs, playerID) {
			return nil
		}
		mv.SpectatorIDs = append(mv.SpectatorIDs, playerID)
		return put(txn, multiverseKey(multiverseID), mv)
	})
}

// UpdateCompletions stores the latest board summary of a multiverse.
func (s *Store) UpdateCompletions(_ context.Context, multiverseID int64, summary model.CompletionSummary) error {
	summary.MultiverseID = multiverseID
	return s.update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, multiverseKey(multiverseID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("multiverse %d: %w", multiverseID, store.ErrNotFound)
		}
		return put(txn, completionKey(multiverseID), summary)
	})
}

// Completions returns the last stored summary.
func (s *Store) Completions(_ context.Context, multiverseID int64) (model.CompletionSummary, error) {
	var summary model.CompletionSummary
	err := s.db.View(func(txn *badger.Txn) error { return get(txn, completionKey(multiverseID), &summary) })
	if err != nil {
		return model.CompletionSummary{}, fmt.Errorf("completions of multiverse %d: %w", multiverseID, err)
	}
	return summary, nil
}
