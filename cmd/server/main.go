/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp credit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and CREDIT_* configuration
  2. Open and migrate the ledger database
  3. Build resolver, credits service and reconciliation engine (app package)
  4. Start the reconciliation scheduler
  5. Configure HTTP router and serve

CONFIGURATION:
  See config/config.go for every variable. The minimum is:
    CREDIT_JWT_SECRET=...  ./server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (an in-flight run is recorded as interrupted)
  4. Close cache and database connections

EXAMPLES:
  # Run with file database
  CREDIT_DB_DSN=./data/credits.db ./server

  # Run with in-memory database and demo scenarios
  CREDIT_DB_DSN=":memory:" CREDIT_ENABLE_SCENARIOS=true ./server

  # PostgreSQL
  CREDIT_DB_DIALECT=postgres CREDIT_DB_DSN="postgres://..." ./server

SEE ALSO:
  - app/app.go: dependency wiring
  - api/server.go: Router configuration
  - cmd/creditctl: operator CLI
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/credit-engine/api"
	"github.com/warp/credit-engine/app"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	mode, err := reconcile.ParseMode(cfg.ReconcileMode)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Reconciliation scheduler
	scheduler := api.NewReconciliationScheduler(a.Engine, logger)
	scheduler.Interval = cfg.ReconcileInterval
	scheduler.Mode = mode
	scheduler.Enabled = cfg.ReconcileEnabled
	scheduler.Start(context.Background())

	handler := api.NewHandler(a.Credits, a.Resolver, scheduler, a.Store, logger)
	auth := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	router := api.NewRouter(handler, auth, api.RouterOptions{
		AllowedOrigins:  cfg.CORSOrigins,
		Gatherer:        a.Registry,
		EnableScenarios: cfg.EnableScenarios,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "db", cfg.DBDialect, "cache", cfg.Cache)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	scheduler.Stop()

	logger.Info("server stopped")
}
