package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokenmeter/pkg/audit"
	"github.com/pario-ai/tokenmeter/pkg/billing"
	cachepkg "github.com/pario-ai/tokenmeter/pkg/cache/sqlite"
	"github.com/pario-ai/tokenmeter/pkg/config"
	"github.com/pario-ai/tokenmeter/pkg/logging"
	"github.com/pario-ai/tokenmeter/pkg/metrics"
	"github.com/pario-ai/tokenmeter/pkg/pricing"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

// app is the wired set of components every command works against.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *sql.DB
	engine  *billing.Engine
	auditor *audit.Logger
	cache   *cachepkg.Cache
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.Log.Component = "tokenmeter"
	logger := logging.Init(cfg.Log)

	db, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger, db: db}

	opts := billing.Options{
		Policy:  cfg.Policy,
		Pricing: pricing.New(cfg.Pricing),
		Metrics: metrics.Get(),
		Logger:  &logger,
	}
	if cfg.Audit.Enabled {
		if a.auditor, err = audit.New(cfg.Audit, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("init audit: %w", err)
		}
		opts.Audit = a.auditor
	}
	if cfg.Cache.Enabled {
		if a.cache, err = cachepkg.New(cfg.Cache.DBPath, cfg.Cache.TTL); err != nil {
			a.Close()
			return nil, fmt.Errorf("init cache: %w", err)
		}
		opts.Cache = a.cache
	}
	a.engine = billing.New(db, opts)

	plans, packages, err := cfg.Catalog()
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(plans)+len(packages) > 0 {
		if err := a.engine.SyncCatalog(ctx, plans, packages); err != nil {
			a.Close()
			return nil, fmt.Errorf("sync catalog: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.auditor != nil {
		_ = a.auditor.Close()
	}
	_ = a.db.Close()
}
