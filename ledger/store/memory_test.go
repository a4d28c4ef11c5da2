package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/ledger"
)

func grant(account ledger.AccountID, amount ledger.Points, ref string) ledger.Mutation {
	return ledger.Mutation{AccountID: account, Amount: amount, Type: ledger.TxSubscriptionGrant, Reference: ref,
		Metadata: map[string]string{ledger.MetaBillingCycle: "c1"}}
}

func TestMemory_AddAndDeduct(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res, err := m.AddPoints(ctx, grant("a", 10, "evt-1"))
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(10), res.Transaction.BalanceAfter)
	assert.True(t, res.Transaction.Applied)

	res, err = m.DeductPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 4, Type: ledger.TxGenerationDeduction, Reference: "g1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(-4), res.Transaction.Amount)
	assert.Equal(t, ledger.Points(6), res.Account.Balance)
	assert.Equal(t, res.Transaction.ID, res.Account.LastTransactionID)

	_, err = m.DeductPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 7, Type: ledger.TxGenerationDeduction, Reference: "g2"})
	var ie *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, ledger.Points(1), ie.Shortfall)

	acct, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(0), acct.IntegrityDrift())
}

func TestMemory_DuplicateReturnsOriginal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first, err := m.AddPoints(ctx, grant("a", 10, "evt-1"))
	require.NoError(t, err)
	second, err := m.AddPoints(ctx, grant("a", 10, "evt-1"))

	var dup *ledger.DuplicateOperationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.Transaction.ID, dup.ExistingTransactionID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ledger.Points(10), second.Account.Balance)

	found, err := m.FindTransaction(ctx, first.Transaction.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.Transaction.ID, found.ID)
}

func TestMemory_MetadataIsCopied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mut := grant("a", 10, "evt-1")

	_, err := m.AddPoints(ctx, mut)
	require.NoError(t, err)
	mut.Metadata[ledger.MetaBillingCycle] = "changed"

	txs, _ := m.Transactions(ctx, "a")
	assert.Equal(t, "c1", txs[0].Metadata[ledger.MetaBillingCycle])
}

func TestMemory_CollapseGrants(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var ids []ledger.TransactionID
	for _, ref := range []string{"e1", "e2", "e3"} {
		res, err := m.AddPoints(ctx, grant("a", 800, ref))
		require.NoError(t, err)
		ids = append(ids, res.Transaction.ID)
	}
	audit := ledger.Transaction{AccountID: "a", Amount: -1600, Type: ledger.TxAdminAdjustment, Reference: "collapse:c1:run"}

	t.Run("rejects unknown keep", func(t *testing.T) {
		_, err := m.CollapseGrants(ctx, ledger.CollapseRequest{AccountID: "a", Keep: "nope", Remove: ids[1:], Audit: audit})
		assert.ErrorIs(t, err, ledger.ErrInvalidMutation)
	})

	t.Run("collapses to one grant", func(t *testing.T) {
		res, err := m.CollapseGrants(ctx, ledger.CollapseRequest{AccountID: "a", Keep: ids[0], Remove: ids[1:], Audit: audit})
		require.NoError(t, err)
		assert.Equal(t, ledger.Points(800), res.Account.Balance)
		assert.Equal(t, ledger.Points(1600), res.Removed)

		txs, _ := m.Transactions(ctx, "a")
		require.Len(t, txs, 2)
		assert.False(t, txs[1].Applied)
	})

	t.Run("audit reference is idempotent", func(t *testing.T) {
		_, err := m.CollapseGrants(ctx, ledger.CollapseRequest{AccountID: "a", Keep: ids[0], Remove: ids[1:], Audit: audit})
		assert.Error(t, err)
	})
}

func TestMemory_ImportAccount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acct := ledger.Account{ID: "a", Balance: 7, LifetimeEarned: 10, LifetimeSpent: 3}
	opening := []ledger.Transaction{
		{Amount: 10, BalanceAfter: 10, Type: ledger.TxAdminAdjustment, Reference: "legacy-import:earned", Applied: true},
		{Amount: -3, BalanceAfter: 7, Type: ledger.TxAdminAdjustment, Reference: "legacy-import:spent", Applied: true},
	}

	require.NoError(t, m.ImportAccount(ctx, acct, opening))
	err := m.ImportAccount(ctx, acct, opening)
	assert.ErrorIs(t, err, ledger.ErrDuplicateOperation)

	got, err := m.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, got.Status)
	txs, _ := m.Transactions(ctx, "a")
	assert.True(t, ledger.ComputeTotals(txs).Matches(got))
}
