package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// REPAIR PRIMITIVES (ledger.RepairStore)
// =============================================================================

// CollapseGrants deletes the extra subscription grants, appends the audit
// record and rewrites the account row from the remaining applied deltas.
func (s *Store) CollapseGrants(ctx context.Context, req ledger.CollapseRequest) (ledger.CollapseResult, error) {
	var result ledger.CollapseResult
	now := s.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`+s.forUpdate()), req.AccountID)
		acct, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		txs, err := s.transactions(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		remaining, removed, err := splitCollapse(txs, req)
		if err != nil {
			return err
		}
		totals := ledger.ComputeTotals(remaining)
		if totals.Balance < 0 {
			return fmt.Errorf("%w: collapsing grants on %s leaves balance %d", ledger.ErrInvalidMutation, req.AccountID, totals.Balance)
		}

		for _, id := range req.Remove {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM transactions WHERE id = ? AND account_id = ?`), id, req.AccountID); err != nil {
				return err
			}
		}

		audit := req.Audit
		audit.ID = ledger.TransactionID(uuid.NewString())
		audit.AccountID = req.AccountID
		audit.Applied = false
		audit.BalanceAfter = totals.Balance
		audit.Metadata = ledger.CopyMetadata(audit.Metadata)
		audit.CreatedAt = now
		if err := s.insertTransaction(ctx, tx, audit); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, s.rebind(`
			UPDATE accounts
			SET balance = ?, lifetime_earned = ?, lifetime_spent = ?,
			    last_transaction_id = ?, updated_at = ?
			WHERE id = ?
			RETURNING `+accountColumns),
			totals.Balance, totals.LifetimeEarned, totals.LifetimeSpent,
			audit.ID, formatTime(now), acct.ID,
		)
		if acct, err = scanAccount(row); err != nil {
			return err
		}

		result = ledger.CollapseResult{Account: acct, Audit: audit, Removed: removed}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return result, &ledger.DuplicateOperationError{Key: req.Audit.Key()}
		}
		return result, ledger.WrapStorage("collapse grants", err)
	}
	return result, nil
}

// splitCollapse validates the request against the account's log.
func splitCollapse(txs []ledger.Transaction, req ledger.CollapseRequest) ([]ledger.Transaction, ledger.Points, error) {
	remove := make(map[ledger.TransactionID]bool, len(req.Remove))
	for _, id := range req.Remove {
		if id == req.Keep {
			return nil, 0, fmt.Errorf("%w: cannot keep and remove %s", ledger.ErrInvalidMutation, id)
		}
		remove[id] = true
	}

	var (
		remaining []ledger.Transaction
		removed   ledger.Points
		kept      bool
	)
	for _, t := range txs {
		if t.ID == req.Keep {
			kept = true
		}
		if !remove[t.ID] {
			remaining = append(remaining, t)
			continue
		}
		if t.Type != ledger.TxSubscriptionGrant {
			return nil, 0, fmt.Errorf("%w: %s is %s, not a subscription grant", ledger.ErrInvalidMutation, t.ID, t.Type)
		}
		removed += t.Amount
		delete(remove, t.ID)
	}
	if !kept {
		return nil, 0, fmt.Errorf("%w: grant %s not found on %s", ledger.ErrInvalidMutation, req.Keep, req.AccountID)
	}
	if len(remove) > 0 {
		return nil, 0, fmt.Errorf("%w: %d grants to remove not found on %s", ledger.ErrInvalidMutation, len(remove), req.AccountID)
	}
	return remaining, removed, nil
}

// RecordAudit appends an audit-only transaction. The balance is untouched.
func (s *Store) RecordAudit(ctx context.Context, t ledger.Transaction) (ledger.Result, error) {
	var result ledger.Result
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		acct, err := s.getAccount(ctx, tx, t.AccountID)
		if err != nil {
			return err
		}
		t.ID = ledger.TransactionID(uuid.NewString())
		t.Applied = false
		t.BalanceAfter = acct.Balance
		t.Metadata = ledger.CopyMetadata(t.Metadata)
		t.CreatedAt = s.Now()
		if err := s.insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		result = ledger.Result{Transaction: t, Account: acct}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return s.duplicate(ctx, t.Key())
		}
		return ledger.Result{}, ledger.WrapStorage("record audit", err)
	}
	return result, nil
}

// =============================================================================
// LEGACY IMPORT (ledger.Importer)
// =============================================================================

// ImportAccount inserts the account row verbatim with its opening
// transactions. An existing account is a DuplicateOperationError.
func (s *Store) ImportAccount(ctx context.Context, acct ledger.Account, opening []ledger.Transaction) error {
	now := s.Now()
	if acct.Status == "" {
		acct.Status = ledger.StatusActive
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		txs := make([]ledger.Transaction, len(opening))
		for i, t := range opening {
			t.ID = ledger.TransactionID(uuid.NewString())
			t.AccountID = acct.ID
			t.CreatedAt = now
			txs[i] = t
			acct.LastTransactionID = t.ID
		}

		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO accounts (`+accountColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			acct.ID, acct.Balance, acct.LifetimeEarned, acct.LifetimeSpent,
			acct.Tier, acct.Status, acct.LastTransactionID, formatTime(now), formatTime(now),
		)
		if err != nil {
			return err
		}
		for _, t := range txs {
			if err := s.insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return &ledger.DuplicateOperationError{Key: ledger.IdempotencyKey{AccountID: acct.ID, Type: ledger.TxAdminAdjustment, Reference: "legacy-import"}}
	}
	return ledger.WrapStorage("import account", err)
}
