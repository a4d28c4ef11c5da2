/*
Package sqldb provides the database/sql implementation of the storage interfaces.

PURPOSE:
  One store for SQLite (development, tests, single-node) and PostgreSQL
  (production). Queries are written once with ? placeholders and rebound
  for PostgreSQL.

INTERFACES IMPLEMENTED:
  ledger.RepairStore:        accounts + append-only transactions
  ledger.Importer:           legacy account import
  ledger.GenerationLog:      generation outcomes
  identity.MappingStore:     primary -> secondary links
  identity.SubscriptionStore: cached resolved-identity hints
  identity.DiscrepancyStore: mapping vs hint disagreements
  reconcile.RunStore:        reconciliation run history

KEY TABLES:
  accounts:               balance row, CHECK (balance >= 0)
  transactions:           UNIQUE (account_id, tx_type, reference)
  identity_mappings:      PRIMARY KEY (primary_id), one secondary per primary
  subscriptions:          payment-domain mirror, one row per presented id
  identity_discrepancies: UNIQUE (presented_id, mapped_id, hinted_id), open while resolved_at IS NULL
  generations:            PRIMARY KEY (task_reference)
  reconciliation_runs:    run summaries + full report JSON

CONCURRENCY:
  No in-process lock. Per-account atomicity comes from the database:
  deductions are a single conditional UPDATE, idempotency is the UNIQUE
  constraint. SQLite runs with one connection, so writers queue in the pool;
  PostgreSQL relies on row locks taken by the UPDATE.

TIMESTAMPS:
  Stored as fixed-width RFC3339 text so lexical order is time order.

USAGE:
  store, err := sqldb.OpenSQLite("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := credits.NewService(store, resolver, catalog.Default(), credits.Options{})

SEE ALSO:
  - ledger/store.go: Store contract
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// timeFormat is RFC3339 with fixed nanoseconds.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces on one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect

	Now func() time.Time

	// beforeApply runs inside a mutation's storage transaction after the
	// idempotency check. Tests use it to interleave a concurrent commit.
	beforeApply func(ctx context.Context, tx *sql.Tx) error
}

// OpenSQLite opens (or creates) a SQLite database.
// Use ":memory:" for an in-memory database.
func OpenSQLite(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return Open(SQLite, path+sep+"_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
}

// Open opens a database with the given dialect and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	if dialect != SQLite && dialect != Postgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// ":memory:" is per connection, and SQLite has a single writer anyway
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, dialect: dialect, Now: func() time.Time { return time.Now().UTC() }}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// schema is valid for both dialects. One statement per entry since lib/pq
// does not accept multiple statements with arguments and SQLite stops at the
// first error.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		lifetime_earned BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_earned >= 0),
		lifetime_spent BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_spent >= 0),
		tier TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		last_transaction_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	// append-only; rows are deleted only by CollapseGrants
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		tx_type TEXT NOT NULL,
		reference TEXT NOT NULL,
		metadata_json TEXT,
		applied INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE (account_id, tx_type, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type)`,

	`CREATE TABLE IF NOT EXISTS identity_mappings (
		primary_id TEXT PRIMARY KEY,
		secondary_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identity_mappings_secondary
		ON identity_mappings(secondary_id)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		presented_id TEXT PRIMARY KEY,
		id TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT '',
		billing_cycle_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		period_start TEXT,
		period_end TEXT,
		resolved_hint TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS identity_discrepancies (
		id TEXT PRIMARY KEY,
		presented_id TEXT NOT NULL,
		mapped_id TEXT NOT NULL,
		hinted_id TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		resolved_at TEXT,
		UNIQUE (presented_id, mapped_id, hinted_id)
	)`,

	`CREATE TABLE IF NOT EXISTS generations (
		task_reference TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		generation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		points_charged BIGINT NOT NULL DEFAULT 0,
		completed_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generations_status
		ON generations(status)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		accounts_scanned INTEGER NOT NULL DEFAULT 0,
		violations INTEGER NOT NULL DEFAULT 0,
		repairs_applied INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		interrupted INTEGER NOT NULL DEFAULT 0,
		report_json TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at)`,
}

// =============================================================================
// HELPERS
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $n for PostgreSQL. Queries in this
// package never contain a literal '?'.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate locks the selected row on PostgreSQL. SQLite already holds the
// only connection inside a transaction.
func (s *Store) forUpdate() string {
	if s.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn in a transaction and commits if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeFormat, v)
	return t
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	return parseTime(v.String)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
