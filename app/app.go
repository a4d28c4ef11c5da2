/*
Package app wires the credit engine from a config.Config. The server and
creditctl both build their dependencies here, so a CLI reconciliation run
sees exactly the store, catalog and identity sources the server uses.
*/
package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/credit-engine/catalog"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/reconcile"
	"github.com/warp/credit-engine/store/sqldb"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Store    *sqldb.Store
	Resolver *identity.Resolver
	Credits  *credits.Service
	Engine   *reconcile.Engine

	closers []io.Closer
}

// New opens the store (migrating it) and builds the services.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, store)

	var subs identity.SubscriptionSource = store
	if cfg.SupabaseURL != "" {
		remote, err := identity.NewSupabaseSubscriptions(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseTable)
		if err != nil {
			a.Close()
			return nil, err
		}
		subs = remote
		logger.Info("subscription hints from supabase", "table", cfg.SupabaseTable)
	}

	cache, err := a.cache(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	metrics := credits.NewMetrics(a.Registry)
	a.Resolver = identity.NewResolver(store, subs, store, logger)
	a.Credits = credits.NewService(store, a.Resolver, cat, credits.Options{
		Cache:         cache,
		Metrics:       metrics,
		Generations:   store,
		Subscriptions: store,
		Logger:        logger,
	})
	a.Engine = reconcile.NewEngine(a.Credits, reconcile.Config{
		Mappings:      store,
		Subscriptions: subs,
		Discrepancies: store,
		Generations:   store,
		Runs:          store,
		Metrics:       metrics,
		Logger:        logger,
	})
	return a, nil
}

func (a *App) cache(cfg config.Config, logger *slog.Logger) (credits.BalanceCache, error) {
	switch cfg.Cache {
	case config.CacheRedis:
		rc, err := credits.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("balance cache: %w", err)
		}
		a.closers = append(a.closers, rc)
		return rc, nil
	case config.CacheLRU:
		return credits.NewLRUCache(cfg.CacheSize, cfg.CacheTTL), nil
	default:
		return nil, nil
	}
}

// Close releases the store and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(cfg config.Config) (*sqldb.Store, error) {
	if sqldb.Dialect(cfg.DBDialect) == sqldb.SQLite {
		return sqldb.OpenSQLite(cfg.DBDSN)
	}
	return sqldb.Open(sqldb.Dialect(cfg.DBDialect), cfg.DBDSN)
}
