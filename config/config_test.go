package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CREDIT_JWT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "sqlite3", cfg.DBDialect)
	assert.Equal(t, CacheLRU, cfg.Cache)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Equal(t, "dry_run", cfg.ReconcileMode)
	assert.True(t, cfg.ReconcileEnabled)
	assert.False(t, cfg.EnableScenarios)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CREDIT_JWT_SECRET", "secret")
	t.Setenv("CREDIT_DB_DIALECT", "postgres")
	t.Setenv("CREDIT_CORS_ORIGINS", "https://app.warp.dev,https://admin.warp.dev")
	t.Setenv("CREDIT_RECONCILE_INTERVAL", "15m")
	t.Setenv("CREDIT_CACHE", "redis")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDialect)
	assert.Equal(t, []string{"https://app.warp.dev", "https://admin.warp.dev"}, cfg.CORSOrigins)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, CacheRedis, cfg.Cache)
}

func TestLoad_DotenvDoesNotOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CREDIT_ADDR=:9000\nCREDIT_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("CREDIT_ADDR", ":7000")
	// registered so t.Setenv restores it after the dotenv load sets it
	t.Setenv("CREDIT_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("CREDIT_LOG_LEVEL"))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("CREDIT_RECONCILE_INTERVAL", "soon")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		DBDialect: "sqlite3", JWTSecret: "s", Cache: CacheLRU, CacheSize: 10,
		ReconcileInterval: time.Minute,
	}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"dialect":       func(c *Config) { c.DBDialect = "mysql" },
		"secret":        func(c *Config) { c.JWTSecret = " " },
		"cache":         func(c *Config) { c.Cache = "memcached" },
		"cache size":    func(c *Config) { c.CacheSize = 0 },
		"interval":      func(c *Config) { c.ReconcileInterval = 0 },
		"supabase pair": func(c *Config) { c.SupabaseURL = "https://x.supabase.co" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
