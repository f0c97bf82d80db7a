package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/wotw-multiverse/syncserver/internal/adminrpc"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/internal/auth"
	"github.com/wotw-multiverse/syncserver/internal/cache"
	"github.com/wotw-multiverse/syncserver/internal/config"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/game"
	"github.com/wotw-multiverse/syncserver/internal/httpapi"
	"github.com/wotw-multiverse/syncserver/internal/logging"
	"github.com/wotw-multiverse/syncserver/internal/observability"
	"github.com/wotw-multiverse/syncserver/internal/store"
	"github.com/wotw-multiverse/syncserver/internal/store/badgerstore"
	"github.com/wotw-multiverse/syncserver/internal/store/memstore"
	"github.com/wotw-multiverse/syncserver/model"
	"github.com/wotw-multiverse/syncserver/timectrl"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
)

const shutdownReason = "server shutting down"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and admin gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if !cfg.HTTP.DevMode {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := listen(cfg)
			if err != nil {
				return err
			}
			return run(ctx, cfg, log, lis)
		},
	}
}

// listeners carries the bound sockets; a nil admin listener disables the
// admin server.
type listeners struct {
	http  net.Listener
	admin net.Listener
}

func listen(cfg config.Config) (listeners, error) {
	var lis listeners
	var err error
	if lis.http, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
		return listeners{}, fmt.Errorf("listen http %s: %w", cfg.HTTP.Addr, err)
	}
	if cfg.Admin.Addr != "" {
		if lis.admin, err = net.Listen("tcp", cfg.Admin.Addr); err != nil {
			_ = lis.http.Close()
			return listeners{}, fmt.Errorf("listen admin %s: %w", cfg.Admin.Addr, err)
		}
	}
	return lis, nil
}

// run serves until ctx is cancelled, then closes every session and drains
// the servers within cfg.ShutdownTimeout.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis listeners) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	backend, tokens, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := observability.NewSyncCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		return err
	}

	population := cache.NewPopulationCache(func(ctx context.Context, playerID string) (model.PopulationEntry, error) {
		return store.LoadPopulation(ctx, backend, playerID)
	})
	conns := connections.NewRegistry(population,
		connections.WithLogger(log),
		connections.WithMetrics(collector),
	)
	policies := aggregation.NewRegistry(cache.NewStateCache(), table, aggregation.WithLiveness(conns))
	engine := aggregation.NewEngine()
	defer engine.Close()

	syncer := game.NewSync(backend, population, policies, engine, conns,
		game.WithLogger(log),
		game.WithMetrics(collector),
	)
	trackers := connections.NewTrackers(cfg.Tracker.Lease,
		connections.WithTrackerLogger(log),
		connections.WithTrackerMetrics(collector),
	)

	api := httpapi.New(syncer, backend, auth.NewStaticTokens(backend, tokens), trackers, httpapi.Options{
		DevMode:   cfg.HTTP.DevMode,
		Transport: cfg.Transport,
		Handler: game.HandlerConfig{
			PositionRate:  rate.Limit(cfg.Positions.Rate),
			PositionBurst: cfg.Positions.Burst,
		},
		Metrics: collector.Handler(),
		Log:     log,
	})
	httpSrv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	var admin *adminrpc.Server
	if lis.admin != nil {
		admin = adminrpc.New(syncer, adminrpc.Options{
			Reflection: cfg.Admin.Reflection,
			Trackers:   trackers,
			Metrics:    collector,
			Log:        log,
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "starting sync server", logging.String("addr", lis.http.Addr().String()), logging.String("version", version))
		if err := httpSrv.Serve(lis.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if admin != nil {
		g.Go(func() error {
			if err := admin.Serve(lis.admin); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	sweepDone := timectrl.Every(gctx, cfg.Tracker.SweepInterval, func(time.Time) {
		if n := trackers.RemoveExpired(); n > 0 {
			log.Debug(gctx, "expired tracker endpoints removed", logging.Int("count", n))
		}
	})

	if cfg.PoliciesFile != "" {
		watchDone, err := config.WatchPolicies(gctx, cfg.PoliciesFile, policies.SetPolicies, log)
		if err != nil {
			log.Warn(gctx, "policy reload disabled", logging.String("path", cfg.PoliciesFile), logging.Err(err))
		} else {
			defer func() { <-watchDone }()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down sync server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		conns.CloseAll(shutdownReason)
		trackers.CloseAll(shutdownReason)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn(shutdownCtx, "http shutdown incomplete", logging.Err(err))
		}
		if admin != nil {
			admin.Shutdown(shutdownCtx)
		}
		<-sweepDone
		return nil
	})

	return g.Wait()
}

// openStore opens the configured backend and applies the startup fixture.
// A persistent store that was seeded on an earlier run keeps its records.
func openStore(ctx context.Context, cfg config.StoreConfig, log logging.Logger) (store.Backend, map[string]string, error) {
	var backend store.Backend
	switch cfg.Backend {
	case "badger":
		badgerCfg := cfg.Badger
		badgerCfg.Logger = log
		db, err := badgerstore.Open(badgerCfg)
		if err != nil {
			return nil, nil, err
		}
		backend = db
	default:
		backend = memstore.New()
	}

	if cfg.Fixture == "" {
		return backend, nil, nil
	}
	fixture, err := readFixture(cfg.Fixture)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	switch err := fixture.Apply(ctx, backend); {
	case errors.Is(err, store.ErrAlreadyExists):
		log.Info(ctx, "store already seeded", logging.String("fixture", cfg.Fixture))
	case err != nil:
		_ = backend.Close()
		return nil, nil, fmt.Errorf("seed %s: %w", cfg.Fixture, err)
	default:
		log.Info(ctx, "store seeded",
			logging.String("fixture", cfg.Fixture),
			logging.Int("players", len(fixture.Players)),
			logging.Int("multiverses", len(fixture.Multiverses)),
		)
	}
	return backend, fixture.Tokens(), nil
}
