package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/contentforge-backend/internal/data/db"
	"github.com/yungbote/contentforge-backend/internal/data/repos"
	"github.com/yungbote/contentforge-backend/internal/http"
	"github.com/yungbote/contentforge-backend/internal/observability"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
	"github.com/yungbote/contentforge-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Repos    repos.Set
	Clients  Clients
	Services Services
	SSEHub   *realtime.SSEHub
	Metrics  *observability.Metrics
	Server   *http.Server

	dbService    *db.Service
	otelShutdown func(context.Context) error
}

func New(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	otelShutdown := observability.InitOTel(ctx, log, cfg.Otel)
	metrics := observability.Init(cfg.Metrics, log)

	dbService, err := db.Open(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	theDB := dbService.DB()
	if cfg.AutoMigrate {
		if err := db.Migrate(theDB); err != nil {
			_ = dbService.Close()
			return nil, fmt.Errorf("database migrate: %w", err)
		}
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		_ = dbService.Close()
		return nil, err
	}

	ssehub := realtime.NewSSEHub(log)
	ssehub.SetErrorWindow(cfg.SSEErrorWindow)

	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, reposet, ssehub, clients)
	if err != nil {
		clients.Close()
		_ = dbService.Close()
		return nil, err
	}

	handlerset := wireHandlers(log, theDB, serviceset, ssehub)
	server := wireServer(log, cfg, handlerset, metrics)

	return &App{
		Log:          log,
		DB:           theDB,
		Cfg:          cfg,
		Repos:        reposet,
		Clients:      clients,
		Services:     serviceset,
		SSEHub:       ssehub,
		Metrics:      metrics,
		Server:       server,
		dbService:    dbService,
		otelShutdown: otelShutdown,
	}, nil
}

// Serve runs the HTTP API until ctx ends. When RUN_WORKERS is on the job workers run in
// the same process.
func (a *App) Serve(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.Clients.Bus != nil {
		if err := a.Clients.Bus.StartForwarder(ctx, a.SSEHub.Broadcast); err != nil {
			return fmt.Errorf("start SSE forwarder: %w", err)
		}
		a.Log.Info("Forwarding job events from redis", "channel", a.Cfg.Redis.Channel)
	}
	a.startCollectors(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.Cfg.RunWorkers {
		g.Go(func() error {
			a.Services.JobWorker.Start(gctx)
			a.Services.JobWorker.Wait()
			return nil
		})
	}
	g.Go(func() error {
		a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
		err := a.Server.Run(gctx, a.Cfg.HTTPAddr)
		cancel()
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunWorkers drives jobs without serving HTTP. Progress events reach API instances over
// redis, so a worker without REDIS_ADDR only logs them.
func (a *App) RunWorkers(ctx context.Context) error {
	if a == nil || a.Services.JobWorker == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Clients.Bus == nil {
		a.Log.Warn("worker running without REDIS_ADDR; API instances will not see live progress")
	}
	a.startCollectors(ctx)
	a.Services.JobWorker.Start(ctx)
	<-ctx.Done()
	a.Services.JobWorker.Wait()
	return nil
}

func (a *App) startCollectors(ctx context.Context) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
	a.Metrics.StartRedisCollector(ctx, a.Log, a.Clients.Redis)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.Clients.Close()
	if a.dbService != nil {
		if err := a.dbService.Close(); err != nil {
			a.Log.Warn("database close failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	a.Log.Sync()
}

// Migrate applies the schema and exits. It needs only the database settings.
func Migrate(ctx context.Context, cfg Config, log *logger.Logger) error {
	dbService, err := db.Open(cfg.DB, log)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer dbService.Close()
	if err := db.Migrate(dbService.DB().WithContext(ctx)); err != nil {
		return fmt.Errorf("database migrate: %w", err)
	}
	log.Info("Database schema up to date", "driver", dbService.Driver())
	return nil
}
