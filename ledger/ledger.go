/*
ledger.go - Validating wrapper around a Store

PURPOSE:
  The Store does the atomic work; the Ledger makes sure only well-formed
  mutations reach it. This keeps validation identical across the SQL and
  in-memory implementations.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: callers never edit a transaction
  2. IDEMPOTENT: same (account, type, reference) = same transaction
  3. POSITIVE AMOUNTS: the primitive chooses the sign
  4. TYPE DIRECTION: credits via AddPoints, debits via DeductPoints

CORRECTIONS:
  Mistakes are fixed with new transactions (admin_adjustment or a
  reconciliation repair), never by editing history.

SEE ALSO:
  - store.go: Store interface
  - credits/service.go: identity-aware service on top of Ledger
*/
package ledger

import (
	"context"
	"strings"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Store exposes the underlying store for read access.
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) AddPoints(ctx context.Context, m Mutation) (Result, error) {
	if err := validate(m); err != nil {
		return Result{}, err
	}
	if !m.Type.IsCredit() {
		return Result{}, invalid("%s cannot credit points", m.Type)
	}
	return l.store.AddPoints(ctx, m)
}

func (l *Ledger) DeductPoints(ctx context.Context, m Mutation) (Result, error) {
	if err := validate(m); err != nil {
		return Result{}, err
	}
	if !m.Type.IsDebit() {
		return Result{}, invalid("%s cannot debit points", m.Type)
	}
	return l.store.DeductPoints(ctx, m)
}

func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (Account, error) {
	return l.store.GetAccount(ctx, id)
}

func (l *Ledger) Transactions(ctx context.Context, id AccountID) ([]Transaction, error) {
	return l.store.Transactions(ctx, id)
}

func validate(m Mutation) error {
	if strings.TrimSpace(string(m.AccountID)) == "" {
		return ErrIdentityNotResolved
	}
	if m.Amount <= 0 {
		return invalid("amount must be positive, got %d", m.Amount)
	}
	if !m.Type.Valid() {
		return invalid("unknown transaction type %q", m.Type)
	}
	if strings.TrimSpace(m.Reference) == "" {
		return invalid("reference is required for idempotency")
	}
	return nil
}

// CopyMetadata returns a copy so stored transactions never alias caller maps.
func CopyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
