package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/ledger/store"
)

func TestLedger_RejectsMisdirectedTypes(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewLedger(store.NewMemory())

	_, err := l.AddPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 5, Type: ledger.TxGenerationDeduction, Reference: "r"})
	assert.ErrorIs(t, err, ledger.ErrInvalidMutation)

	_, err = l.DeductPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 5, Type: ledger.TxPurchase, Reference: "r"})
	assert.ErrorIs(t, err, ledger.ErrInvalidMutation)

	_, err = l.AddPoints(ctx, ledger.Mutation{Amount: 5, Type: ledger.TxPurchase, Reference: "r"})
	assert.ErrorIs(t, err, ledger.ErrIdentityNotResolved)
}

func TestLedger_AdminAdjustmentBothDirections(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewLedger(store.NewMemory())

	_, err := l.AddPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 5, Type: ledger.TxAdminAdjustment, Reference: "up"})
	require.NoError(t, err)
	res, err := l.DeductPoints(ctx, ledger.Mutation{AccountID: "a", Amount: 2, Type: ledger.TxAdminAdjustment, Reference: "down"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(3), res.Account.Balance)
}

func TestComputeTotals_SkipsAuditOnly(t *testing.T) {
	txs := []ledger.Transaction{
		{Amount: 800, Applied: true},
		{Amount: -5, Applied: true},
		{Amount: -1600, Applied: false},
		{Amount: 40, Applied: true},
	}

	totals := ledger.ComputeTotals(txs)

	assert.Equal(t, ledger.Points(835), totals.Balance)
	assert.Equal(t, ledger.Points(840), totals.LifetimeEarned)
	assert.Equal(t, ledger.Points(5), totals.LifetimeSpent)
	assert.Equal(t, 3, totals.Applied)
	assert.Equal(t, 1, totals.AuditOnly)
	assert.True(t, totals.Matches(ledger.Account{Balance: 835, LifetimeEarned: 840, LifetimeSpent: 5}))
}

func TestErrorHelpers(t *testing.T) {
	ie := ledger.NewInsufficientBalance("a", 12, 15)
	assert.Equal(t, ledger.Points(3), ie.Shortfall)
	assert.True(t, ledger.IsClientError(ie))
	assert.False(t, ledger.IsRetryable(ie))

	se := ledger.WrapStorage("op", assert.AnError)
	assert.True(t, ledger.IsRetryable(se))
	assert.ErrorIs(t, se, assert.AnError)
	assert.Nil(t, ledger.WrapStorage("op", nil))
	assert.Same(t, ie, ledger.WrapStorage("op", ie))

	dup := &ledger.DuplicateOperationError{ExistingTransactionID: "tx-1"}
	assert.True(t, ledger.IsIdempotentSuccess(dup))
}
