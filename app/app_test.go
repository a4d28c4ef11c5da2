package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/reconcile"
)

func testConfig() config.Config {
	return config.Config{
		DBDialect:         "sqlite3",
		DBDSN:             ":memory:",
		JWTSecret:         "s",
		Cache:             config.CacheLRU,
		CacheSize:         16,
		CacheTTL:          time.Minute,
		ReconcileInterval: time.Hour,
	}
}

func TestNew_WiresServiceAndEngine(t *testing.T) {
	a, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()

	// GIVEN: a purchase through the wired service
	_, err = a.Credits.AddPoints(ctx, "user-1", 50, ledger.TxPurchase, "pay-1", nil)
	require.NoError(t, err)

	// WHEN
	report, err := a.Engine.Run(ctx, reconcile.ModeDryRun)

	// THEN: the run lands in the same store
	require.NoError(t, err)
	assert.Empty(t, report.Violations)
	runs, err := a.Store.ListRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_CatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("costs:\n  flux_image: 7\n"), 0o600))

	cfg := testConfig()
	cfg.CatalogFile = path
	a, err := New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	cost, err := a.Credits.Catalog().Cost("flux_image")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(7), cost)
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.DBDialect = "mysql"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}
