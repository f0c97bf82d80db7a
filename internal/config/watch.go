package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/logging"
)

// reloadDebounce coalesces the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// WatchPolicies reloads the policy file at path whenever it changes and
// hands the new table to apply. An invalid file is logged and skipped; the
// previous table stays in force. The returned channel is closed once the
// watcher has stopped, after ctx is cancelled.
func WatchPolicies(ctx context.Context, path string, apply func(aggregation.Table), log logging.Logger) (<-chan struct{}, error) {
	if log == nil {
		log = logging.Noop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	path = filepath.Clean(path)
	// The directory is watched so atomic replaces (rename over) are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				pending = time.After(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(ctx, "policy watcher error", logging.Err(err))
			case <-pending:
				pending = nil
				reload(ctx, path, apply, log)
			}
		}
	}()
	return done, nil
}

func reload(ctx context.Context, path string, apply func(aggregation.Table), log logging.Logger) {
	entries, err := ReadPolicies(path)
	if err != nil {
		log.Warn(ctx, "policy reload rejected", logging.String("path", path), logging.Err(err))
		return
	}
	table, err := Table(entries)
	if err != nil {
		log.Warn(ctx, "policy reload rejected", logging.String("path", path), logging.Err(err))
		return
	}
	apply(table)
	log.Info(ctx, "policies reloaded", logging.String("path", path), logging.Int("entries", len(entries)))
}
