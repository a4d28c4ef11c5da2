/*
store.go - Persistence interface for accounts and the transaction log

PURPOSE:
  Defines the contract between the domain services and the database.
  Implementations must make AddPoints and DeductPoints linearizable per
  account. A single account is the unit of atomicity; no operation ever
  spans two accounts.

KEY INTERFACES:
  Store:       atomic primitives + read access
  RepairStore: reconciliation-only primitives (collapse, audit records)
  Importer:    legacy account import

IDEMPOTENCY:
  (account, type, reference) is a uniqueness constraint in storage. A second
  delivery of the same event observes the first transaction and returns it
  together with *DuplicateOperationError. Application code never relies on a
  check-then-insert alone.

ALL OR NOTHING:
  Balance change and transaction row are written in one storage transaction.
  "balance changed but no transaction" (or the reverse) is never observable.

IMPLEMENTATIONS:
  - store/sqldb: SQLite / PostgreSQL
  - ledger/store: in-memory for tests

SEE ALSO:
  - ledger.go: validating wrapper around Store
*/
package ledger

import "context"

// =============================================================================
// STORE - Atomic primitives
// =============================================================================

type Store interface {
	// AddPoints credits m.Amount. Creates the account on first use.
	AddPoints(ctx context.Context, m Mutation) (Result, error)

	// DeductPoints debits m.Amount if balance allows, in the same storage
	// transaction as the check.
	DeductPoints(ctx context.Context, m Mutation) (Result, error)

	// GetAccount returns ErrAccountNotFound for unknown accounts.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	ListAccounts(ctx context.Context) ([]Account, error)

	// Transactions returns the account's log, oldest first.
	Transactions(ctx context.Context, id AccountID) ([]Transaction, error)

	// FindTransaction returns nil when no transaction has the key.
	FindTransaction(ctx context.Context, key IdempotencyKey) (*Transaction, error)

	// SetTier and SetStatus create the account if needed.
	SetTier(ctx context.Context, id AccountID, tier string) error
	SetStatus(ctx context.Context, id AccountID, status AccountStatus) error
}

// =============================================================================
// REPAIR STORE - Used only by reconciliation (through the credits service)
// =============================================================================

// CollapseRequest removes duplicate grants from one account.
type CollapseRequest struct {
	AccountID AccountID

	// Keep is the grant that survives. Remove are the extra grants.
	Keep   TransactionID
	Remove []TransactionID

	// Audit is the audit-only reversal record written alongside the removal.
	// Its Applied flag is forced to false.
	Audit Transaction
}

// CollapseResult reports the account after recomputation.
type CollapseResult struct {
	Account Account
	Audit   Transaction
	Removed Points
}

type RepairStore interface {
	Store

	// CollapseGrants deletes the extra grants, records Audit and recomputes
	// balance and lifetime counters as the sum of the remaining applied
	// deltas. One storage transaction.
	CollapseGrants(ctx context.Context, req CollapseRequest) (CollapseResult, error)

	// RecordAudit appends an audit-only (Applied=false) transaction. The
	// idempotency constraint still applies.
	RecordAudit(ctx context.Context, tx Transaction) (Result, error)
}

// Importer writes a migrated legacy account and its opening transactions.
type Importer interface {
	ImportAccount(ctx context.Context, acct Account, opening []Transaction) error
}
