package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/ledger"
)

func newTestResolver(t *testing.T) (*Resolver, *Memory) {
	t.Helper()
	mem := NewMemory()
	return NewResolver(mem, mem, mem, nil), mem
}

func TestResolve_FallbackOrder(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestResolver(t)

	// GIVEN: one mapped id, one id with only a subscription hint
	_, err := r.Link(ctx, "legacy-1", "acct-1")
	require.NoError(t, err)
	require.NoError(t, mem.SaveSubscription(ctx, Subscription{
		PresentedID:  "legacy-2",
		Tier:         "basic",
		ResolvedHint: "acct-2",
	}))

	tests := []struct {
		presented string
		want      ledger.AccountID
		source    Source
	}{
		{"legacy-1", "acct-1", SourceMapping},
		{"legacy-2", "acct-2", SourceSubscription},
		{"acct-9", "acct-9", SourceSelf},
	}

	for _, tt := range tests {
		t.Run(tt.presented, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.presented)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.AccountID)
			assert.Equal(t, tt.source, res.Source)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)
	_, err := r.Link(ctx, "legacy-1", "acct-1")
	require.NoError(t, err)

	// WHEN: resolving five times with unchanged mapping state
	var seen []ledger.AccountID
	for i := 0; i < 5; i++ {
		res, err := r.Resolve(ctx, "legacy-1")
		require.NoError(t, err)
		seen = append(seen, res.AccountID)
	}

	// THEN: always the same account
	for _, id := range seen {
		assert.Equal(t, ledger.AccountID("acct-1"), id)
	}
}

func TestResolve_BlankIDIsNotResolved(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "   ")

	assert.ErrorIs(t, err, ledger.ErrIdentityNotResolved)
}

func TestResolve_DoesNotCreateMappings(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestResolver(t)

	_, err := r.Resolve(ctx, "someone")
	require.NoError(t, err)

	mappings, err := mem.ListMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestResolve_MappingWinsAndReportsDiscrepancy(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestResolver(t)

	// GIVEN: mapping says acct-1, subscription hint says acct-other
	_, err := r.Link(ctx, "legacy-1", "acct-1")
	require.NoError(t, err)
	require.NoError(t, mem.SaveSubscription(ctx, Subscription{PresentedID: "legacy-1", ResolvedHint: "acct-other"}))

	// WHEN: resolving twice
	for i := 0; i < 2; i++ {
		res, err := r.Resolve(ctx, "legacy-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.AccountID("acct-1"), res.AccountID)
		assert.Equal(t, SourceMapping, res.Source)
	}

	// THEN: one open discrepancy, hint left untouched
	open, err := mem.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ledger.AccountID("acct-1"), open[0].MappedID)
	assert.Equal(t, ledger.AccountID("acct-other"), open[0].HintedID)

	sub, err := mem.SubscriptionFor(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acct-other"), sub.ResolvedHint)
}

func TestMemory_ResolvedDiscrepancyReopens(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	d := Discrepancy{PresentedID: "legacy-1", MappedID: "acct-1", HintedID: "acct-other"}
	require.NoError(t, mem.ReportDiscrepancy(ctx, d))

	open, err := mem.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotEmpty(t, open[0].ID)
	require.NoError(t, mem.ResolveDiscrepancy(ctx, open[0].ID, time.Now()))

	open, err = mem.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// the same disagreement seen again is open once more
	require.NoError(t, mem.ReportDiscrepancy(ctx, d))
	open, err = mem.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

type failingSink struct{}

func (failingSink) ReportDiscrepancy(context.Context, Discrepancy) error {
	return errors.New("sink down")
}

func TestResolve_SinkFailureDoesNotFailRead(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	r := NewResolver(mem, mem, failingSink{}, nil)

	_, err := r.Link(ctx, "legacy-1", "acct-1")
	require.NoError(t, err)
	require.NoError(t, mem.SaveSubscription(ctx, Subscription{PresentedID: "legacy-1", ResolvedHint: "acct-2"}))

	res, err := r.Resolve(ctx, "legacy-1")

	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acct-1"), res.AccountID)
}

func TestLink(t *testing.T) {
	ctx := context.Background()

	t.Run("same pair is idempotent", func(t *testing.T) {
		r, mem := newTestResolver(t)
		first, err := r.Link(ctx, "legacy-1", "acct-1")
		require.NoError(t, err)

		second, err := r.Link(ctx, "legacy-1", "acct-1")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)

		mappings, _ := mem.ListMappings(ctx)
		assert.Len(t, mappings, 1)
	})

	t.Run("different secondary conflicts", func(t *testing.T) {
		r, _ := newTestResolver(t)
		_, err := r.Link(ctx, "legacy-1", "acct-1")
		require.NoError(t, err)

		_, err = r.Link(ctx, "legacy-1", "acct-2")

		var conflict *MappingConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, ledger.AccountID("acct-1"), conflict.ExistingSecondary)
		assert.ErrorIs(t, err, ErrMappingConflict)
	})

	t.Run("self link rejected", func(t *testing.T) {
		r, _ := newTestResolver(t)
		_, err := r.Link(ctx, "acct-1", "acct-1")
		assert.ErrorIs(t, err, ledger.ErrInvalidMutation)
	})

	t.Run("chained link rejected", func(t *testing.T) {
		r, _ := newTestResolver(t)
		_, err := r.Link(ctx, "legacy-1", "acct-1")
		require.NoError(t, err)

		_, err = r.Link(ctx, "legacy-0", "legacy-1")
		assert.ErrorIs(t, err, ledger.ErrInvalidMutation)
	})
}
