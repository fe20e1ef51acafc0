package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pricebook-sync-service/internal/cache"
	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/database"
	"pricebook-sync-service/internal/external"
	"pricebook-sync-service/internal/health"
	"pricebook-sync-service/internal/logger"
	"pricebook-sync-service/internal/metrics"
	"pricebook-sync-service/internal/pending"
	"pricebook-sync-service/internal/ratelimit"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/sync"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	store    *store.SQLStore
	engine   *sync.Engine
	manager  *sync.Manager
	retry    *sync.RetryWorker
	analyzer *health.Analyzer
	cache    cache.Client
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	st := store.NewSQLStore(db)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	guards := ratelimit.NewRegistry(ratelimit.WithDefaultRetryAfter(cfg.External.DefaultRetryAfter))
	guard := guards.For(cfg.Tenant.ID)
	provider, err := external.New(cfg.External, cfg.Tenant.ID, guard)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	queue := pending.NewQueue(st, cfg.Tenant.ID, cfg.Retry)
	engine := sync.NewEngine(cfg, st, provider, queue, guard)
	manager := sync.NewManager(cfg, engine)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		logger.Log.Warn("Cache unavailable, falling back to memory", zap.Error(err))
		c = cache.NewMemory(cfg.Cache.Prefix, cfg.Health.CacheTTL)
	}

	logger.Log.Info("Pricebook sync initialised",
		zap.String("tenant", cfg.Tenant.ID),
		zap.String("database", cfg.Database.Driver),
		zap.String("provider", provider.Name()),
	)

	return &app{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		manager:  manager,
		retry:    sync.NewRetryWorker(cfg.Retry, engine),
		analyzer: health.NewAnalyzer(st, cfg.Tenant.ID, cfg.Health, c),
		cache:    c,
	}, nil
}

func (a *app) Close() {
	a.engine.Wait()
	if err := a.cache.Close(); err != nil {
		logger.Log.Warn("Failed to close cache", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Log.Warn("Failed to close store", zap.Error(err))
	}
	logger.Sync()
}
