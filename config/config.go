/*
Package config loads process configuration from the environment.

An optional .env file is read first (existing variables win), then
CREDIT_* variables are parsed into Config. Both binaries share this type.

VARIABLES:

	CREDIT_ADDR                 listen address                  :8080
	CREDIT_DB_DIALECT           sqlite3 | postgres              sqlite3
	CREDIT_DB_DSN               path or connection string       credits.db
	CREDIT_JWT_SECRET           identity token secret           (required)
	CREDIT_JWT_ISSUER           expected issuer, empty to skip
	CREDIT_CORS_ORIGINS         comma separated
	CREDIT_CATALOG_FILE         YAML cost overrides
	CREDIT_CACHE                none | lru | redis              lru
	CREDIT_RECONCILE_INTERVAL   scheduler interval              1h
	CREDIT_RECONCILE_MODE       dry_run | apply                 dry_run
	CREDIT_SUPABASE_URL         subscription hint source; empty uses the local mirror
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr string `env:"CREDIT_ADDR" envDefault:":8080"`

	DBDialect string `env:"CREDIT_DB_DIALECT" envDefault:"sqlite3"`
	DBDSN     string `env:"CREDIT_DB_DSN"     envDefault:"credits.db"`

	JWTSecret   string   `env:"CREDIT_JWT_SECRET"`
	JWTIssuer   string   `env:"CREDIT_JWT_ISSUER"`
	CORSOrigins []string `env:"CREDIT_CORS_ORIGINS" envSeparator:","`

	CatalogFile string `env:"CREDIT_CATALOG_FILE"`

	Cache         string        `env:"CREDIT_CACHE"          envDefault:"lru"`
	CacheSize     int           `env:"CREDIT_CACHE_SIZE"     envDefault:"10000"`
	CacheTTL      time.Duration `env:"CREDIT_CACHE_TTL"      envDefault:"30s"`
	RedisAddr     string        `env:"CREDIT_REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string        `env:"CREDIT_REDIS_PASSWORD"`
	RedisDB       int           `env:"CREDIT_REDIS_DB"       envDefault:"0"`

	ReconcileEnabled  bool          `env:"CREDIT_RECONCILE_ENABLED"  envDefault:"true"`
	ReconcileInterval time.Duration `env:"CREDIT_RECONCILE_INTERVAL" envDefault:"1h"`
	ReconcileMode     string        `env:"CREDIT_RECONCILE_MODE"     envDefault:"dry_run"`

	EnableScenarios bool `env:"CREDIT_ENABLE_SCENARIOS" envDefault:"false"`

	SupabaseURL   string `env:"CREDIT_SUPABASE_URL"`
	SupabaseKey   string `env:"CREDIT_SUPABASE_SERVICE_KEY"`
	SupabaseTable string `env:"CREDIT_SUPABASE_TABLE" envDefault:"subscriptions"`

	LogLevel  string `env:"CREDIT_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CREDIT_LOG_FORMAT" envDefault:"text"`
}

const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Load reads the optional dotenv files and parses the environment.
func Load(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDialect {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("CREDIT_DB_DIALECT: unsupported %q", c.DBDialect))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("CREDIT_JWT_SECRET must be set"))
	}
	switch c.Cache {
	case CacheNone, CacheLRU, CacheRedis:
	default:
		errs = append(errs, fmt.Errorf("CREDIT_CACHE: unsupported %q", c.Cache))
	}
	if c.Cache == CacheLRU && c.CacheSize <= 0 {
		errs = append(errs, errors.New("CREDIT_CACHE_SIZE must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("CREDIT_RECONCILE_INTERVAL must be positive"))
	}
	if (c.SupabaseURL == "") != (c.SupabaseKey == "") {
		errs = append(errs, errors.New("CREDIT_SUPABASE_URL and CREDIT_SUPABASE_SERVICE_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
