// SPDX-License-Identifier: MIT

// Package daemon wires the pipeline: store, adapters, orchestrator,
// stage workers, scheduler, and the ops HTTP server, with one clean
// shutdown path.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pipearr/pipearr/internal/api"
	"github.com/pipearr/pipearr/internal/archive"
	"github.com/pipearr/pipearr/internal/cache"
	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/delivery"
	"github.com/pipearr/pipearr/internal/encoder"
	"github.com/pipearr/pipearr/internal/indexer"
	"github.com/pipearr/pipearr/internal/library"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/pipeline/scheduler"
	"github.com/pipearr/pipearr/internal/pipeline/store"
	"github.com/pipearr/pipearr/internal/pipeline/worker"
	"github.com/pipearr/pipearr/internal/resilience"
	"github.com/pipearr/pipearr/internal/torrent"
)

// App owns every long-lived component of the daemon.
type App struct {
	cfg    config.Config
	logger zerolog.Logger

	st      store.Store
	cache   cache.Cache
	libDB   *sql.DB
	orc     *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
	deliver *worker.Deliver
	ops     *api.Server
}

// New builds the full component graph from cfg. Nothing starts running
// until Run.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: log.WithComponent("daemon"),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.buildStore(ctx); err != nil {
		return err
	}

	if a.cfg.Redis.Enabled {
		c, err := cache.NewRedis(cache.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		}, log.WithComponent("cache"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.cache = c
	} else {
		a.cache = cache.NewMemory(time.Minute)
	}

	breaker := resilience.NewCircuitBreaker("indexer", 5, 30*time.Second)
	idx, err := indexer.NewTorznab("torznab", a.cfg.Indexer.URL, a.cfg.Indexer.APIKey,
		indexer.WithCache(a.cache, a.cfg.Indexer.CacheTTL),
		indexer.WithRateLimit(float64(a.cfg.Indexer.RatePerMinute)/60, 1),
		indexer.WithBreaker(breaker),
	)
	if err != nil {
		return fmt.Errorf("build indexer client: %w", err)
	}

	tc, err := torrent.NewQBittorrent(a.cfg.Torrent.URL, a.cfg.Torrent.Username, a.cfg.Torrent.Password,
		torrent.WithSessionCache(a.cache, a.cfg.Torrent.SessionTTL),
	)
	if err != nil {
		return fmt.Errorf("build torrent client: %w", err)
	}

	pool, err := encoder.NewPool(a.cfg.Encoder.URL, a.cfg.Encoder.APIKey, a.st)
	if err != nil {
		return fmt.Errorf("build encoder pool client: %w", err)
	}

	servers := make([]delivery.Server, 0, len(a.cfg.Servers))
	for _, s := range a.cfg.Servers {
		servers = append(servers, delivery.Server{
			ID:       s.ID,
			Name:     s.Name,
			Endpoint: s.URL,
			Root:     s.Root,
		})
	}
	router, err := delivery.NewRouter(servers)
	if err != nil {
		return fmt.Errorf("build delivery router: %w", err)
	}

	lib, err := a.buildLibrary()
	if err != nil {
		return err
	}

	a.orc = orchestrator.New(a.st,
		orchestrator.WithTorrentRemover(tc),
		orchestrator.WithAuthInvalidator(retry.ServiceTorrent, tc.InvalidateSession),
		orchestrator.WithMaxAttempts(a.cfg.Workers.MaxAttempts),
		orchestrator.WithProgressDebounce(a.cfg.Workers.ProgressDebounce),
	)

	wcfg := a.cfg.Workers
	limits := worker.Limits{BatchSize: wcfg.BatchSize, Concurrency: wcfg.Concurrency}

	search := worker.NewSearch(a.orc, idx, tc, a.cfg, worker.SearchConfig{
		Limits:            limits,
		Interval:          wcfg.SearchInterval,
		DiscoveryCooldown: wcfg.DiscoveryCooldown,
	})
	download := worker.NewDownload(a.orc, a.st, tc, archive.NewUnrar(""), worker.DownloadConfig{
		Limits:       limits,
		Interval:     wcfg.DownloadInterval,
		WallTimeout:  wcfg.DownloadWallTimeout,
		StallTimeout: wcfg.DownloadStallTimeout,
		Category:     a.cfg.Torrent.Category,
		SavePath:     a.cfg.Torrent.SavePath,
	})
	outputDir := a.cfg.Encoder.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(a.cfg.DataDir, "encodes")
	}
	encode := worker.NewEncode(a.orc, a.st, pool, a.cfg, worker.EncodeConfig{
		Limits:       limits,
		Interval:     wcfg.EncodeInterval,
		OutputDir:    outputDir,
		WallTimeout:  a.cfg.Encoder.WallTimeout,
		StallTimeout: a.cfg.Encoder.StallTimeout,
	})
	a.deliver = worker.NewDeliver(a.orc, router, a.cfg, lib, worker.DeliverConfig{
		Limits:             limits,
		Interval:           wcfg.DeliverInterval,
		StartRatePerSecond: a.cfg.Delivery.StartRatePerSecond,
		Cleanup:            a.cfg.Delivery.CleanupAfterDelivery,
	})
	recovery := worker.NewRecovery(a.orc, tc, download, worker.RecoveryConfig{
		Limits:   limits,
		Interval: wcfg.RecoveryInterval,
	})
	gauges := worker.NewGauges(a.st, wcfg.AggregateInterval)

	a.sched = scheduler.New()
	for _, reg := range []struct {
		task  scheduler.Task
		label string
	}{
		{search, "indexer search"},
		{download, "torrent progress"},
		{encode, "encode dispatch"},
		{a.deliver, "delivery fan-out"},
		{recovery, "orphan recovery"},
		{gauges, "status gauges"},
	} {
		if err := a.sched.Register(reg.task, reg.label); err != nil {
			return err
		}
	}

	a.ops = api.New(a.orc, a.st, a.sched, api.Config{Listen: a.cfg.Listen})
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "", "sqlite":
		st, err := store.NewSQLite(filepath.Join(a.cfg.DataDir, "pipearr.db"))
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.st = st
	case "postgres":
		st, err := store.NewPostgres(ctx, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres store: %w", err)
		}
		a.st = st
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
	return nil
}

// buildLibrary puts the delivered-media index next to the pipeline
// state. With the sqlite store it shares the same database file; with
// postgres it gets its own sqlite file under dataDir.
func (a *App) buildLibrary() (library.Index, error) {
	if st, ok := a.st.(*store.SQLite); ok {
		return library.NewSQL(st.DB())
	}
	db, err := sql.Open("sqlite", filepath.Join(a.cfg.DataDir, "library.db"))
	if err != nil {
		return nil, fmt.Errorf("open library db: %w", err)
	}
	a.libDB = db
	return library.NewSQL(db)
}

// Run starts the scheduler and the ops server and blocks until ctx is
// cancelled or a component fails. Shutdown order: scheduler stops
// ticking, in-flight uploads drain, then the server and stores close.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	a.sched.Start(gctx)
	g.Go(func() error {
		return a.ops.Run(gctx)
	})

	a.logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Str("listen", a.cfg.Listen).
		Str("database", a.cfg.Database.Driver).
		Int("servers", len(a.cfg.Servers)).
		Msg("pipearr daemon running")

	err := g.Wait()

	a.sched.Stop()
	a.deliver.Drain()
	a.logger.Info().
		Str(log.FieldEvent, "daemon.stopped").
		Msg("pipearr daemon stopped")
	return err
}

// Close releases the store, cache, and auxiliary handles. Safe on a
// partially built App.
func (a *App) Close() {
	if a.libDB != nil {
		if err := a.libDB.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("library db close failed")
		}
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("store close failed")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("cache close failed")
		}
	}
}
