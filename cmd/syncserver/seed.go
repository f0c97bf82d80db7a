package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wotw-multiverse/syncserver/internal/config"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/store/badgerstore"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load a hierarchy fixture into the configured Badger store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Backend != "badger" {
				return errors.New("seed needs store.backend badger; the memory backend is seeded with store.fixture at startup")
			}
			log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})

			badgerCfg := cfg.Store.Badger
			badgerCfg.Logger = log
			badgerCfg.GCInterval = 0
			backend, err := badgerstore.Open(badgerCfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			fixture, err := readFixture(args[0])
			if err != nil {
				return err
			}
			if err := fixture.Apply(cmd.Context(), backend); err != nil {
				return fmt.Errorf("seed %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d players and %d multiverses into %s\n",
				len(fixture.Players), len(fixture.Multiverses), badgerCfg.Path)
			return nil
		},
	}
}

func readFixture(path string) (store.Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.Fixture{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return store.DecodeFixture(f)
}
