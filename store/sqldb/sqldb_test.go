/*
sqldb_test.go - Tests for the SQL store on an in-memory SQLite database

Tests for:
- Atomic deduction under concurrency
- Idempotency enforced by the unique key
- Grant collapse and audit-only records
- Identity tables, generation log and run history
*/
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/reconcile"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func grant(account ledger.AccountID, amount ledger.Points, ref, cycle string) ledger.Mutation {
	return ledger.Mutation{
		AccountID: account,
		Amount:    amount,
		Type:      ledger.TxSubscriptionGrant,
		Reference: ref,
		Metadata:  map[string]string{ledger.MetaBillingCycle: cycle},
	}
}

func deduction(account ledger.AccountID, amount ledger.Points, ref string) ledger.Mutation {
	return ledger.Mutation{AccountID: account, Amount: amount, Type: ledger.TxGenerationDeduction, Reference: ref}
}

func TestStore_AddAndDeduct(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := store.AddPoints(ctx, grant("acct-1", 800, "evt-1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(800), res.Account.Balance)
	assert.True(t, res.Transaction.Applied)

	res, err = store.DeductPoints(ctx, deduction("acct-1", 5, "task-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(795), res.Account.Balance)
	assert.Equal(t, ledger.Points(795), res.Transaction.BalanceAfter)
	assert.Equal(t, ledger.Points(-5), res.Transaction.Amount)

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(800), acct.LifetimeEarned)
	assert.Equal(t, ledger.Points(5), acct.LifetimeSpent)
	assert.Equal(t, res.Transaction.ID, acct.LastTransactionID)

	txs, err := store.Transactions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "c1", txs[0].Metadata[ledger.MetaBillingCycle])
	assert.True(t, ledger.ComputeTotals(txs).Matches(acct))
}

func TestStore_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// WHEN: deducting from an account that has never been credited
	_, err := store.DeductPoints(ctx, deduction("acct-new", 5, "task-1"))

	// THEN: rejected with the shortfall, nothing written but the empty row
	var ie *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ledger.Points(5), ie.Shortfall)

	acct, err := store.GetAccount(ctx, "acct-new")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(0), acct.Balance)
	txs, _ := store.Transactions(ctx, "acct-new")
	assert.Empty(t, txs)
}

func TestStore_Idempotency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.AddPoints(ctx, grant("acct-1", 800, "evt-123", "c1"))
	require.NoError(t, err)

	second, err := store.AddPoints(ctx, grant("acct-1", 800, "evt-123", "c1"))

	var dup *ledger.DuplicateOperationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.Transaction.ID, dup.ExistingTransactionID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ledger.Points(800), second.Account.Balance)

	// same reference under another type is a different key
	_, err = store.AddPoints(ctx, ledger.Mutation{AccountID: "acct-1", Amount: 10, Type: ledger.TxPurchase, Reference: "evt-123"})
	require.NoError(t, err)
}

func TestStore_ConcurrentDeductions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPoints(ctx, ledger.Mutation{AccountID: "acct-1", Amount: 12, Type: ledger.TxPurchase, Reference: "buy-1"})
	require.NoError(t, err)

	// WHEN: three deductions of 5 race on a balance of 12
	var ok, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 3; i++ {
		i := i
		g.Go(func() error {
			_, err := store.DeductPoints(ctx, deduction("acct-1", 5, fmt.Sprintf("task-%d", i)))
			var ie *ledger.InsufficientBalanceError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &ie):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// THEN: exactly two succeed and the balance never goes negative
	assert.Equal(t, int32(2), ok.Load())
	assert.Equal(t, int32(1), rejected.Load())
	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(2), acct.Balance)
	assert.Equal(t, ledger.Points(0), acct.IntegrityDrift())
}

func TestStore_ConcurrentRedelivery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// WHEN: the same subscription grant is delivered eight times at once
	const deliveries = 8
	var committed, duplicates atomic.Int32
	ids := make(chan ledger.TransactionID, deliveries)
	var g errgroup.Group
	for i := 0; i < deliveries; i++ {
		g.Go(func() error {
			res, err := store.AddPoints(ctx, grant("acct-1", 800, "evt-123", "c1"))
			var dup *ledger.DuplicateOperationError
			switch {
			case err == nil:
				committed.Add(1)
				ids <- res.Transaction.ID
			case errors.As(err, &dup):
				duplicates.Add(1)
				ids <- dup.ExistingTransactionID
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(ids)

	// THEN: one commit, every other delivery points at it, balance is 800
	assert.Equal(t, int32(1), committed.Load())
	assert.Equal(t, int32(deliveries-1), duplicates.Load())
	seen := map[ledger.TransactionID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(800), acct.Balance)
	txs, err := store.Transactions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStore_RedeliveredDeductionAfterOriginalSpent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPoints(ctx, ledger.Mutation{AccountID: "acct-1", Amount: 5, Type: ledger.TxPurchase, Reference: "buy-1"})
	require.NoError(t, err)

	// GIVEN: the original delivery of task-1 commits after the redelivery
	// passed its idempotency check, leaving a balance of 0
	store.beforeApply = func(ctx context.Context, tx *sql.Tx) error {
		store.beforeApply = nil
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance = 0, lifetime_spent = lifetime_spent + 5 WHERE id = ?`, "acct-1"); err != nil {
			return err
		}
		return store.insertTransaction(ctx, tx, ledger.Transaction{
			ID:        "tx-original",
			AccountID: "acct-1",
			Amount:    -5,
			Type:      ledger.TxGenerationDeduction,
			Reference: "task-1",
			Applied:   true,
			CreatedAt: store.Now(),
		})
	}

	// WHEN: the redelivery's conditional update finds no balance
	res, err := store.DeductPoints(ctx, deduction("acct-1", 5, "task-1"))

	// THEN: it reports the original instead of insufficient balance
	var ie *ledger.InsufficientBalanceError
	assert.False(t, errors.As(err, &ie))
	var dup *ledger.DuplicateOperationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, ledger.TransactionID("tx-original"), dup.ExistingTransactionID)
	assert.True(t, res.Duplicate)
	assert.Equal(t, ledger.TransactionID("tx-original"), res.Transaction.ID)
}

func TestStore_CollapseGrants(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	var ids []ledger.TransactionID
	for _, ref := range []string{"evt-a", "evt-b", "evt-c"} {
		res, err := store.AddPoints(ctx, grant("acct-1", 800, ref, "c1"))
		require.NoError(t, err)
		ids = append(ids, res.Transaction.ID)
	}
	audit := ledger.Transaction{
		AccountID: "acct-1",
		Amount:    -1600,
		Type:      ledger.TxAdminAdjustment,
		Reference: "collapse:c1:run-1",
		Metadata:  map[string]string{ledger.MetaRepairRunID: "run-1"},
	}

	t.Run("keep must be on the account", func(t *testing.T) {
		_, err := store.CollapseGrants(ctx, ledger.CollapseRequest{AccountID: "acct-1", Keep: "missing", Remove: ids[1:], Audit: audit})
		assert.ErrorIs(t, err, ledger.ErrInvalidMutation)
	})

	t.Run("collapses to the kept grant", func(t *testing.T) {
		res, err := store.CollapseGrants(ctx, ledger.CollapseRequest{AccountID: "acct-1", Keep: ids[0], Remove: ids[1:], Audit: audit})
		require.NoError(t, err)
		assert.Equal(t, ledger.Points(800), res.Account.Balance)
		assert.Equal(t, ledger.Points(800), res.Account.LifetimeEarned)
		assert.Equal(t, ledger.Points(1600), res.Removed)
		assert.False(t, res.Audit.Applied)

		txs, err := store.Transactions(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, ids[0], txs[0].ID)
		assert.False(t, txs[1].Applied)
		assert.Equal(t, "run-1", txs[1].Metadata[ledger.MetaRepairRunID])
		assert.True(t, ledger.ComputeTotals(txs).Matches(res.Account))
	})

	t.Run("removed event id can no longer be replayed into the cycle", func(t *testing.T) {
		found, err := store.FindTransaction(ctx, ledger.IdempotencyKey{AccountID: "acct-1", Type: ledger.TxSubscriptionGrant, Reference: "evt-b"})
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestStore_RecordAudit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPoints(ctx, ledger.Mutation{AccountID: "acct-1", Amount: 100, Type: ledger.TxPurchase, Reference: "buy-1"})
	require.NoError(t, err)

	audit := ledger.Transaction{AccountID: "acct-1", Amount: -5, Type: ledger.TxGenerationDeduction, Reference: "task-1"}
	res, err := store.RecordAudit(ctx, audit)
	require.NoError(t, err)
	assert.False(t, res.Transaction.Applied)
	assert.Equal(t, ledger.Points(100), res.Account.Balance)

	// the key is taken: a late charge is a duplicate, not a debit
	_, err = store.DeductPoints(ctx, deduction("acct-1", 5, "task-1"))
	assert.True(t, ledger.IsIdempotentSuccess(err))
	acct, _ := store.GetAccount(ctx, "acct-1")
	assert.Equal(t, ledger.Points(100), acct.Balance)

	_, err = store.RecordAudit(ctx, ledger.Transaction{AccountID: "nobody", Type: ledger.TxAdminAdjustment, Reference: "x"})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_ImportAccount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	acct := ledger.Account{ID: "acct-1", Balance: 7, LifetimeEarned: 10, LifetimeSpent: 3, Tier: "basic"}
	opening := []ledger.Transaction{
		{Amount: 10, BalanceAfter: 10, Type: ledger.TxAdminAdjustment, Reference: "legacy-import:earned", Applied: true},
		{Amount: -3, BalanceAfter: 7, Type: ledger.TxAdminAdjustment, Reference: "legacy-import:spent", Applied: true},
	}

	require.NoError(t, store.ImportAccount(ctx, acct, opening))
	assert.ErrorIs(t, store.ImportAccount(ctx, acct, opening), ledger.ErrDuplicateOperation)

	got, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "basic", got.Tier)
	assert.Equal(t, ledger.StatusActive, got.Status)
	txs, _ := store.Transactions(ctx, "acct-1")
	assert.True(t, ledger.ComputeTotals(txs).Matches(got))
}

func TestStore_TierAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.SetTier(ctx, "acct-1", "pro"))
	require.NoError(t, store.SetStatus(ctx, "acct-1", ledger.StatusDeactivated))

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", acct.Tier)
	assert.False(t, acct.IsActive())

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	_, err = store.GetAccount(ctx, "unknown")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_Identity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("mappings", func(t *testing.T) {
		require.NoError(t, store.CreateMapping(ctx, identity.Mapping{PrimaryID: "legacy-1", SecondaryID: "acct-1", CreatedAt: time.Now()}))

		err := store.CreateMapping(ctx, identity.Mapping{PrimaryID: "legacy-1", SecondaryID: "acct-2"})
		var conflict *identity.MappingConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, ledger.AccountID("acct-1"), conflict.ExistingSecondary)

		m, err := store.GetMapping(ctx, "legacy-1")
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, ledger.AccountID("acct-1"), m.SecondaryID)

		missing, err := store.GetMapping(ctx, "legacy-2")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("subscriptions upsert by presented id", func(t *testing.T) {
		sub := identity.Subscription{PresentedID: "legacy-1", Tier: "basic", Status: identity.SubscriptionActive, ResolvedHint: "acct-1"}
		require.NoError(t, store.SaveSubscription(ctx, sub))
		sub.Tier = "pro"
		require.NoError(t, store.SaveSubscription(ctx, sub))

		got, err := store.SubscriptionFor(ctx, "legacy-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "pro", got.Tier)
		assert.Equal(t, ledger.AccountID("acct-1"), got.ResolvedHint)

		all, err := store.ListSubscriptions(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("discrepancies are recorded once", func(t *testing.T) {
		d := identity.Discrepancy{PresentedID: "legacy-1", MappedID: "acct-1", HintedID: "acct-9"}
		require.NoError(t, store.ReportDiscrepancy(ctx, d))
		require.NoError(t, store.ReportDiscrepancy(ctx, d))

		open, err := store.OpenDiscrepancies(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, ledger.AccountID("acct-9"), open[0].HintedID)
	})

	t.Run("resolved discrepancies close and reopen when seen again", func(t *testing.T) {
		open, err := store.OpenDiscrepancies(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		require.NoError(t, store.ResolveDiscrepancy(ctx, open[0].ID, time.Now()))

		open, err = store.OpenDiscrepancies(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		d := identity.Discrepancy{PresentedID: "legacy-1", MappedID: "acct-1", HintedID: "acct-9"}
		require.NoError(t, store.ReportDiscrepancy(ctx, d))
		open, err = store.OpenDiscrepancies(ctx)
		require.NoError(t, err)
		assert.Len(t, open, 1)
	})
}

func TestStore_Generations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RecordGeneration(ctx, ledger.GenerationRecord{TaskReference: "task-1", AccountID: "acct-1", GenerationType: "flux_image", Status: ledger.GenerationFailed}))
	// a later report for the same task replaces the first
	require.NoError(t, store.RecordGeneration(ctx, ledger.GenerationRecord{TaskReference: "task-1", AccountID: "acct-1", GenerationType: "flux_image", Status: ledger.GenerationSucceeded, PointsCharged: 8}))
	require.NoError(t, store.RecordGeneration(ctx, ledger.GenerationRecord{TaskReference: "task-2", AccountID: "acct-1", GenerationType: "flux_image", Status: ledger.GenerationFailed}))

	ok, err := store.ListGenerations(ctx, ledger.GenerationSucceeded)
	require.NoError(t, err)
	require.Len(t, ok, 1)
	assert.Equal(t, ledger.Points(8), ok[0].PointsCharged)

	all, err := store.ListGenerations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec, err := store.GetGeneration(ctx, "task-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.GenerationFailed, rec.Status)
	missing, err := store.GetGeneration(ctx, "task-9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_Runs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	start := time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)

	for i, mode := range []reconcile.Mode{reconcile.ModeDryRun, reconcile.ModeApply} {
		report := &reconcile.Report{
			RunID:       fmt.Sprintf("run-%d", i),
			Mode:        mode,
			StartedAt:   start.Add(time.Duration(i) * time.Hour),
			CompletedAt: start.Add(time.Duration(i)*time.Hour + time.Minute),
			Violations: []reconcile.Finding{
				{Kind: reconcile.KindDuplicateGrant, Severity: reconcile.SeverityCritical, AccountID: "acct-1"},
			},
		}
		require.NoError(t, store.SaveRun(ctx, report))
	}

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, reconcile.ModeApply, runs[0].Mode)
	assert.Equal(t, 1, runs[0].Violations)
	assert.Equal(t, start.Add(time.Hour+time.Minute), runs[0].CompletedAt)

	report, err := store.Report(ctx, "run-0")
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, reconcile.KindDuplicateGrant, report.Violations[0].Kind)

	missing, err := store.Report(ctx, "run-9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())

	lite := &Store{dialect: SQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
	assert.Empty(t, lite.forUpdate())
}

func TestTimeFormatSortsLexically(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := a.Add(time.Millisecond)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.Equal(t, a, parseTime(formatTime(a)))
}
