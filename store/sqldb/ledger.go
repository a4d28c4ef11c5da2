package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/ledger"
)

var (
	_ ledger.RepairStore   = (*Store)(nil)
	_ ledger.Importer      = (*Store)(nil)
	_ ledger.GenerationLog = (*Store)(nil)
)

const accountColumns = `id, balance, lifetime_earned, lifetime_spent, tier, status, last_transaction_id, created_at, updated_at`

const transactionColumns = `id, account_id, amount, balance_after, tx_type, reference, metadata_json, applied, created_at`

// =============================================================================
// ATOMIC PRIMITIVES (ledger.Store)
// =============================================================================

// AddPoints credits the account. The account row is created on first use.
func (s *Store) AddPoints(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	return s.mutate(ctx, m, func(tx *sql.Tx, txID ledger.TransactionID, now string) (ledger.Account, error) {
		row := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE accounts
			SET balance = balance + ?, lifetime_earned = lifetime_earned + ?,
			    last_transaction_id = ?, updated_at = ?
			WHERE id = ?
			RETURNING `+accountColumns),
			m.Amount, m.Amount, txID, now, m.AccountID,
		)
		return scanAccount(row)
	}, m.Amount)
}

// DeductPoints debits the account in one conditional UPDATE, so two
// concurrent deductions cannot both pass the balance check.
func (s *Store) DeductPoints(ctx context.Context, m ledger.Mutation) (ledger.Result, error) {
	return s.mutate(ctx, m, func(tx *sql.Tx, txID ledger.TransactionID, now string) (ledger.Account, error) {
		row := tx.QueryRowContext(ctx, s.rebind(`
			UPDATE accounts
			SET balance = balance - ?, lifetime_spent = lifetime_spent + ?,
			    last_transaction_id = ?, updated_at = ?
			WHERE id = ? AND balance >= ?
			RETURNING `+accountColumns),
			m.Amount, m.Amount, txID, now, m.AccountID, m.Amount,
		)
		acct, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			current, gerr := s.getAccount(ctx, tx, m.AccountID)
			if gerr != nil {
				return ledger.Account{}, gerr
			}
			return current, ledger.NewInsufficientBalance(m.AccountID, current.Balance, m.Amount)
		}
		return acct, err
	}, -m.Amount)
}

type applyFunc func(tx *sql.Tx, txID ledger.TransactionID, now string) (ledger.Account, error)

// mutate is the shared shape of both primitives: ensure account, short-circuit
// on a committed key, apply the balance change, append the transaction.
func (s *Store) mutate(ctx context.Context, m ledger.Mutation, apply applyFunc, delta ledger.Points) (ledger.Result, error) {
	var (
		result    ledger.Result
		duplicate bool
	)
	now := s.Now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureAccount(ctx, tx, m.AccountID, formatTime(now)); err != nil {
			return err
		}

		existing, err := s.findTransaction(ctx, tx, m.Key())
		if err != nil {
			return err
		}
		if existing != nil {
			duplicate = true
			return errDuplicateShortCircuit
		}

		if s.beforeApply != nil {
			if err := s.beforeApply(ctx, tx); err != nil {
				return err
			}
		}

		txID := ledger.TransactionID(uuid.NewString())
		acct, err := apply(tx, txID, formatTime(now))
		if err != nil {
			var insufficient *ledger.InsufficientBalanceError
			if errors.As(err, &insufficient) {
				// a concurrent delivery of the same key can commit between the
				// check above and the conditional UPDATE, spending the balance
				// this one was about to spend
				existing, ferr := s.findTransaction(ctx, tx, m.Key())
				if ferr != nil {
					return ferr
				}
				if existing != nil {
					duplicate = true
					result = ledger.Result{Transaction: *existing, Account: acct, Duplicate: true}
					return errDuplicateShortCircuit
				}
				// commit the account row; the attempt still creates it
				result.Account = acct
				if cerr := tx.Commit(); cerr != nil {
					return cerr
				}
			}
			return err
		}

		result.Transaction = ledger.Transaction{
			ID:           txID,
			AccountID:    m.AccountID,
			Amount:       delta,
			BalanceAfter: acct.Balance,
			Type:         m.Type,
			Reference:    m.Reference,
			Metadata:     ledger.CopyMetadata(m.Metadata),
			Applied:      true,
			CreatedAt:    now,
		}
		result.Account = acct
		return s.insertTransaction(ctx, tx, result.Transaction)
	})

	switch {
	case err == nil:
		return result, nil
	case duplicate && result.Duplicate:
		return result, &ledger.DuplicateOperationError{Key: m.Key(), ExistingTransactionID: result.Transaction.ID}
	case duplicate || isUniqueViolation(err):
		return s.duplicate(ctx, m.Key())
	default:
		return result, ledger.WrapStorage(string(m.Type), err)
	}
}

var errDuplicateShortCircuit = errors.New("sqldb: idempotency key already committed")

// duplicate reads the committed transaction for key outside the failed
// storage transaction.
func (s *Store) duplicate(ctx context.Context, key ledger.IdempotencyKey) (ledger.Result, error) {
	existing, err := s.findTransaction(ctx, s.db, key)
	if err != nil {
		return ledger.Result{}, ledger.WrapStorage("find duplicate", err)
	}
	if existing == nil {
		return ledger.Result{}, ledger.WrapStorage("find duplicate", fmt.Errorf("unique violation without a row for %s", key))
	}
	acct, err := s.getAccount(ctx, s.db, key.AccountID)
	if err != nil {
		return ledger.Result{}, ledger.WrapStorage("find duplicate", err)
	}
	res := ledger.Result{Transaction: *existing, Account: acct, Duplicate: true}
	return res, &ledger.DuplicateOperationError{Key: key, ExistingTransactionID: existing.ID}
}

func (s *Store) ensureAccount(ctx context.Context, db execer, id ledger.AccountID, now string) error {
	_, err := db.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		id, ledger.StatusActive, now, now,
	)
	return err
}

func (s *Store) insertTransaction(ctx context.Context, db execer, t ledger.Transaction) error {
	var metadata sql.NullString
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := db.ExecContext(ctx, s.rebind(`
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.AccountID, t.Amount, t.BalanceAfter, t.Type, t.Reference,
		metadata, boolToInt(t.Applied), formatTime(t.CreatedAt),
	)
	return err
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	acct, err := s.getAccount(ctx, s.db, id)
	if err != nil {
		return ledger.Account{}, ledger.WrapStorage("get account", err)
	}
	return acct, nil
}

func (s *Store) getAccount(ctx context.Context, db execer, id ledger.AccountID) (ledger.Account, error) {
	row := db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, ledger.WrapStorage("list accounts", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, ledger.WrapStorage("list accounts", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, ledger.WrapStorage("list accounts", rows.Err())
}

func (s *Store) Transactions(ctx context.Context, id ledger.AccountID) ([]ledger.Transaction, error) {
	txs, err := s.transactions(ctx, s.db, id)
	return txs, ledger.WrapStorage("list transactions", err)
}

func (s *Store) transactions(ctx context.Context, db execer, id ledger.AccountID) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, s.rebind(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *Store) FindTransaction(ctx context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	t, err := s.findTransaction(ctx, s.db, key)
	return t, ledger.WrapStorage("find transaction", err)
}

func (s *Store) findTransaction(ctx context.Context, db execer, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx, s.rebind(`
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = ? AND tx_type = ? AND reference = ?`),
		key.AccountID, key.Type, key.Reference,
	)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) SetTier(ctx context.Context, id ledger.AccountID, tier string) error {
	return s.setColumn(ctx, id, "tier", tier)
}

func (s *Store) SetStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	return s.setColumn(ctx, id, "status", string(status))
}

// setColumn is only called with constant column names.
func (s *Store) setColumn(ctx context.Context, id ledger.AccountID, column, value string) error {
	now := formatTime(s.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureAccount(ctx, tx, id, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.rebind(`UPDATE accounts SET `+column+` = ?, updated_at = ? WHERE id = ?`),
			value, now, id)
		return err
	})
	return ledger.WrapStorage("set "+column, err)
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                    ledger.Account
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Balance, &a.LifetimeEarned, &a.LifetimeSpent,
		&a.Tier, &a.Status, &a.LastTransactionID, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		t         ledger.Transaction
		metadata  sql.NullString
		applied   int
		createdAt string
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceAfter, &t.Type,
		&t.Reference, &metadata, &applied, &createdAt)
	if err != nil {
		return t, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return t, fmt.Errorf("failed to decode metadata for %s: %w", t.ID, err)
		}
	}
	t.Applied = applied != 0
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}
