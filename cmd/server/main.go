// Package main is the entrypoint for the mediaforge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/mediaforge/internal/api"
	"github.com/kiranshivaraju/mediaforge/internal/api/handler"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/chain"
	"github.com/kiranshivaraju/mediaforge/internal/config"
	"github.com/kiranshivaraju/mediaforge/internal/jobs"
	"github.com/kiranshivaraju/mediaforge/internal/metrics"
	"github.com/kiranshivaraju/mediaforge/internal/provider"
	"github.com/kiranshivaraju/mediaforge/internal/provider/factory"
	"github.com/kiranshivaraju/mediaforge/internal/reconcile"
	"github.com/kiranshivaraju/mediaforge/internal/storage"
	"github.com/kiranshivaraju/mediaforge/internal/store"
	"github.com/kiranshivaraju/mediaforge/internal/vault"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, with an optional .env for local runs
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "provider_mode", cfg.Providers.Mode, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database and migrate
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Vault and provider registry
	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}
	registry, err := factory.NewRegistry(cfg)
	if err != nil {
		return fmt.Errorf("create provider registry: %w", err)
	}
	slog.Info("provider registry initialized", "mode", cfg.Providers.Mode, "providers", registry.Kinds())

	pgStore := store.NewPostgresStore(pool)
	a := newApp(cfg, pgStore, redisCache, v, registry)

	// 5. Reconciliation sweeps run until ctx is cancelled
	sched, err := reconcile.NewScheduler(ctx, a.reconciler)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start()
	slog.Info("reconciliation started", "fast", cfg.Reconcile.FastInterval, "slow", cfg.Reconcile.SlowInterval)

	// 6. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Sync.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop sweeps first, then drain requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stop()
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("reconciliation sweep still running at shutdown")
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("server stopped gracefully")
	return nil
}

// app holds the wired services behind the HTTP API.
type app struct {
	cfg        *config.Config
	store      store.Store
	cache      cache.Cache
	resolver   *vault.Resolver
	registry   *provider.Registry
	metrics    *metrics.Collector
	reconciler *reconcile.Reconciler
	jobs       *jobs.Service
}

func newApp(cfg *config.Config, st store.Store, c cache.Cache, v *vault.Vault, registry *provider.Registry) *app {
	resolver := vault.NewResolver(v, st)
	collector := metrics.NewCollector()
	uploader := storage.NewUploader(cfg.Storage)

	reconciler := reconcile.New(st, registry, resolver, uploader, cfg.Reconcile, cfg.Providers.Timeout,
		reconcile.WithCache(c),
		reconcile.WithMetrics(collector),
	)
	// Chain locks cover one provider submit plus the record write.
	coord := chain.NewCoordinator(st, c, 2*cfg.Providers.Timeout)

	svc := jobs.NewService(st, registry, resolver, coord, uploader, reconciler, collector, jobs.Config{
		ProviderTimeout: cfg.Providers.Timeout,
		SyncTimeout:     cfg.Sync.Timeout,
		SyncConcurrency: cfg.Sync.Concurrency,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		cache:      c,
		resolver:   resolver,
		registry:   registry,
		metrics:    collector,
		reconciler: reconciler,
		jobs:       svc,
	}
}

func (a *app) router() http.Handler {
	jh := handler.NewJobs(a.jobs)
	ch := handler.NewCredentials(a.resolver, a.registry.Credentials())

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.store),
		RateLimit: mw.NewRateLimit(a.cache, a.cfg.RateLimit.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(a.store, a.cache),
		MetricsHandler: a.metrics.Handler(),
		MediaHandler:   http.StripPrefix("/media/", http.FileServer(http.Dir(a.cfg.Storage.LocalRoot))),

		SubmitJob:       jh.Submit,
		ListJobs:        jh.List,
		GetJob:          jh.Get,
		CancelJob:       jh.Cancel,
		PersistJob:      jh.Persist,
		DeleteJob:       jh.Delete,
		StartTraining:   jh.StartTraining,
		StartConversion: jh.StartConversion,

		ListCredentials:  ch.List,
		PutCredential:    ch.Put,
		DeleteCredential: ch.Delete,
		PutStorage:       ch.PutStorage,
		DeleteStorage:    ch.DeleteStorage,
	})
}
