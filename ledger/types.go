/*
Package ledger provides the core credit ledger types and invariants.

PURPOSE:
  This package contains the storage-agnostic model for spendable "points":
  accounts, the append-only transaction log, idempotency keys and the error
  kinds every caller sees. The Grant/Deduct service (package credits) and the
  reconciliation engine (package reconcile) are both written against it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: integer quantity, the only unit in the system
  - Account: canonical balance-holding identity (secondary identity id)
  - Transaction: immutable ledger entry with balance snapshot
  - IdempotencyKey: (account, type, reference) tuple

INVARIANTS:
  1. balance == lifetime_earned - lifetime_spent at every observable state
  2. balance >= 0; lifetime counters never decrease
  3. exactly one committed transaction per idempotency key
  4. transactions are never edited; corrections are new transactions

USAGE:
  res, err := store.AddPoints(ctx, ledger.Mutation{
      AccountID: "acct-123",
      Amount:    800,
      Type:      ledger.TxSubscriptionGrant,
      Reference: "evt-123",
  })
  if ledger.IsIdempotentSuccess(err) {
      // redelivery, res.Transaction is the original
  }

SEE ALSO:
  - store.go: Store interface (atomic primitives)
  - ledger.go: validating wrapper
  - errors.go: error kinds
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID is the canonical ledger-owning id (secondary identity namespace).
type AccountID string

type TransactionID string

// Points is the single integer unit tracked by the ledger.
type Points int64

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxSignupBonus         TransactionType = "signup_bonus"
	TxSubscriptionGrant   TransactionType = "subscription_grant"
	TxPurchase            TransactionType = "purchase"
	TxGenerationDeduction TransactionType = "generation_deduction"
	TxRefund              TransactionType = "refund"
	TxAdminAdjustment     TransactionType = "admin_adjustment" // either direction
)

// AllTransactionTypes lists every known type in a stable order.
var AllTransactionTypes = []TransactionType{
	TxSignupBonus,
	TxSubscriptionGrant,
	TxPurchase,
	TxGenerationDeduction,
	TxRefund,
	TxAdminAdjustment,
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	for _, known := range AllTransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsCredit reports whether t may be used with AddPoints.
func (t TransactionType) IsCredit() bool {
	return t.Valid() && t != TxGenerationDeduction
}

// IsDebit reports whether t may be used with DeductPoints.
func (t TransactionType) IsDebit() bool {
	return t == TxGenerationDeduction || t == TxAdminAdjustment
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusDeactivated AccountStatus = "deactivated"
)

// Account is the canonical balance-holding entity.
//
// INVARIANT: Balance == LifetimeEarned - LifetimeSpent.
type Account struct {
	ID             AccountID
	Balance        Points
	LifetimeEarned Points
	LifetimeSpent  Points
	Tier           string
	Status         AccountStatus

	// LastTransactionID is the id of the most recent committed mutation.
	// Read caches are tagged with it.
	LastTransactionID TransactionID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IntegrityDrift returns balance - (earned - spent). Zero for a healthy account.
func (a Account) IntegrityDrift() Points {
	return a.Balance - (a.LifetimeEarned - a.LifetimeSpent)
}

// IsActive reports whether the account has not been deactivated.
func (a Account) IsActive() bool {
	return a.Status == "" || a.Status == StatusActive
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type Transaction struct {
	ID           TransactionID
	AccountID    AccountID
	Amount       Points // signed: positive grants, negative deductions
	BalanceAfter Points // snapshot at commit time
	Type         TransactionType
	Reference    string // idempotency key material
	Metadata     map[string]string

	// Applied is false for audit-only records written by reconciliation.
	// Their Amount is informational and never part of the balance.
	Applied bool

	CreatedAt time.Time
}

// Key returns the idempotency key of the transaction.
func (t Transaction) Key() IdempotencyKey {
	return IdempotencyKey{AccountID: t.AccountID, Type: t.Type, Reference: t.Reference}
}

// Well-known metadata keys.
const (
	MetaBillingCycle   = "billing_cycle_id"
	MetaTier           = "tier"
	MetaGenerationType = "generation_type"
	MetaEventID        = "event_id"
	MetaReason         = "reason"
	MetaPresentedID    = "presented_id"
	MetaRepairRunID    = "repair_run_id"
	MetaRemovedTxIDs   = "removed_transaction_ids"
)

// =============================================================================
// IDEMPOTENCY KEY
// =============================================================================

// IdempotencyKey identifies an external event. The storage layer enforces
// uniqueness on it, events are delivered at-least-once.
type IdempotencyKey struct {
	AccountID AccountID
	Type      TransactionType
	Reference string
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.AccountID, k.Type, k.Reference)
}

// =============================================================================
// MUTATION - Input to the atomic primitives
// =============================================================================

// Mutation describes one AddPoints or DeductPoints call. Amount is always
// positive; the primitive decides the sign.
type Mutation struct {
	AccountID AccountID
	Amount    Points
	Type      TransactionType
	Reference string
	Metadata  map[string]string
}

func (m Mutation) Key() IdempotencyKey {
	return IdempotencyKey{AccountID: m.AccountID, Type: m.Type, Reference: m.Reference}
}

// Result is returned by the atomic primitives. On a duplicate it carries the
// original transaction and the current, unchanged account.
type Result struct {
	Transaction Transaction
	Account     Account
	Duplicate   bool
}
