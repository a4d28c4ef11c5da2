package reconcile_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/catalog"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/ledger/store"
	"github.com/warp/credit-engine/reconcile"
)

type fixture struct {
	svc      *credits.Service
	store    *store.Memory
	ids      *identity.Memory
	resolver *identity.Resolver
	runs     *reconcile.MemoryRuns
	metrics  *credits.Metrics
	engine   *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ids := identity.NewMemory()
	resolver := identity.NewResolver(ids, ids, ids, nil)
	metrics := credits.NewMetrics(prometheus.NewRegistry())
	svc := credits.NewService(mem, resolver, catalog.Default(), credits.Options{
		Metrics: metrics, Generations: mem, Subscriptions: ids,
	})
	runs := reconcile.NewMemoryRuns()
	return &fixture{
		svc:      svc,
		store:    mem,
		ids:      ids,
		resolver: resolver,
		runs:     runs,
		metrics:  metrics,
		engine: reconcile.NewEngine(svc, reconcile.Config{
			Mappings:      ids,
			Subscriptions: ids,
			Discrepancies: ids,
			Generations:   mem,
			Runs:          runs,
			Metrics:       metrics,
		}),
	}
}

// seedTripleGrant reproduces the webhook replay incident: one billing cycle
// granted three times under different event ids.
func (f *fixture) seedTripleGrant(t *testing.T, account ledger.AccountID) {
	t.Helper()
	ctx := context.Background()
	_, err := f.resolver.Link(ctx, "primary-"+string(account), account)
	require.NoError(t, err)
	for _, evt := range []string{"evt-a", "evt-b", "evt-c"} {
		_, err := f.svc.AddPoints(ctx, string(account), 800, ledger.TxSubscriptionGrant, evt, map[string]string{
			ledger.MetaBillingCycle: "cycle-2026-10",
			ledger.MetaTier:         catalog.TierBasic,
		})
		require.NoError(t, err)
	}
}

func balance(t *testing.T, st ledger.Store, id ledger.AccountID) ledger.Points {
	t.Helper()
	acct, err := st.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func TestRun_DryRunReportsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTripleGrant(t, "acct-1")

	// WHEN
	report, err := f.engine.Run(ctx, reconcile.ModeDryRun)

	// THEN: one duplicate finding covering three grants, nothing changed
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(reconcile.KindDuplicateGrant))
	var dup reconcile.Finding
	for _, v := range report.Violations {
		if v.Kind == reconcile.KindDuplicateGrant {
			dup = v
		}
	}
	assert.Equal(t, "3", dup.Details["grants"])
	assert.Equal(t, "1600", dup.Details["excess_points"])
	assert.False(t, dup.Repaired)
	assert.Empty(t, report.RepairsApplied)
	assert.True(t, report.HasCritical())
	assert.Equal(t, 1, report.AccountsScanned)

	assert.Equal(t, ledger.Points(2400), balance(t, f.store, "acct-1"))
	txs, _ := f.store.Transactions(ctx, "acct-1")
	assert.Len(t, txs, 3)
}

func TestRun_ApplyCollapsesDuplicateGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTripleGrant(t, "acct-1")

	// WHEN
	report, err := f.engine.Run(ctx, reconcile.ModeApply)

	// THEN: 2400 -> 800 with an audit trail
	require.NoError(t, err)
	require.Len(t, report.RepairsApplied, 1)
	repair := report.RepairsApplied[0]
	assert.Equal(t, reconcile.KindDuplicateGrant, repair.Kind)
	assert.Equal(t, ledger.Points(2400), repair.BalanceBefore)
	assert.Equal(t, ledger.Points(800), repair.BalanceAfter)
	assert.False(t, report.HasCritical())

	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Points(800), acct.Balance)
	assert.Equal(t, ledger.Points(800), acct.LifetimeEarned)
	assert.Equal(t, ledger.Points(0), acct.IntegrityDrift())

	txs, _ := f.store.Transactions(ctx, "acct-1")
	totals := ledger.ComputeTotals(txs)
	assert.True(t, totals.Matches(acct))
	assert.Equal(t, 1, totals.AuditOnly)

	// AND: a second run finds nothing to repair
	again, err := f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)
	assert.Zero(t, again.Count(reconcile.KindDuplicateGrant))
	assert.Empty(t, again.RepairsApplied)
	assert.Equal(t, ledger.Points(800), balance(t, f.store, "acct-1"))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ReconcileRuns.WithLabelValues("apply", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconcileRepairs.WithLabelValues("duplicate_grant")))
}

func TestRun_CollapseKeepsEarliestGrantAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.resolver.Link(ctx, "primary-1", "acct-1")
	require.NoError(t, err)

	// GIVEN: a short first grant, then a duplicate with the basic allocation
	for _, g := range []struct {
		evt    string
		amount ledger.Points
	}{{"evt-a", 700}, {"evt-b", 800}} {
		_, err := f.svc.AddPoints(ctx, "acct-1", g.amount, ledger.TxSubscriptionGrant, g.evt, map[string]string{
			ledger.MetaBillingCycle: "c1",
			ledger.MetaTier:         catalog.TierBasic,
		})
		require.NoError(t, err)
	}

	// WHEN
	report, err := f.engine.Run(ctx, reconcile.ModeApply)

	// THEN: the earliest grant survives at 700 and the shortfall is flagged
	require.NoError(t, err)
	require.Len(t, report.RepairsApplied, 1)
	assert.Equal(t, ledger.Points(700), balance(t, f.store, "acct-1"))
	assert.Equal(t, 1, report.Count(reconcile.KindGrantAmountMismatch))

	// AND: the mismatch is still reported after the collapse
	again, err := f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)
	assert.Empty(t, again.RepairsApplied)
	assert.Equal(t, 1, again.Count(reconcile.KindGrantAmountMismatch))
	assert.Equal(t, ledger.Points(700), balance(t, f.store, "acct-1"))
}

func TestRun_AccountChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// GIVEN: an active basic subscriber with nothing left and no mapping
	require.NoError(t, f.store.SetTier(ctx, "acct-empty", catalog.TierBasic))

	// AND: a legacy row whose balance disagrees with its counters and log
	require.NoError(t, f.store.ImportAccount(ctx, ledger.Account{
		ID: "acct-drift", Balance: 100, LifetimeEarned: 50,
	}, nil))
	_, err := f.resolver.Link(ctx, "primary-drift", "acct-drift")
	require.NoError(t, err)

	// AND: a grant of the wrong size
	_, err = f.resolver.Link(ctx, "primary-pro", "acct-pro")
	require.NoError(t, err)
	_, err = f.svc.AddPoints(ctx, "acct-pro", 500, ledger.TxSubscriptionGrant, "evt-pro", map[string]string{
		ledger.MetaBillingCycle: "c1",
		ledger.MetaTier:         catalog.TierPro,
	})
	require.NoError(t, err)

	// AND: a mapping that disagrees with a subscription hint
	require.NoError(t, f.ids.ReportDiscrepancy(ctx, identity.Discrepancy{
		PresentedID: "primary-pro", MappedID: "acct-pro", HintedID: "acct-other",
	}))

	// WHEN
	report, err := f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)

	// THEN
	byKind := map[reconcile.Kind][]reconcile.Finding{}
	for _, v := range report.Violations {
		byKind[v.Kind] = append(byKind[v.Kind], v)
	}

	require.Len(t, byKind[reconcile.KindZeroBalancePaidTier], 1)
	assert.Equal(t, ledger.AccountID("acct-empty"), byKind[reconcile.KindZeroBalancePaidTier][0].AccountID)

	require.Len(t, byKind[reconcile.KindMissingMapping], 1)
	assert.Equal(t, ledger.AccountID("acct-empty"), byKind[reconcile.KindMissingMapping][0].AccountID)

	require.Len(t, byKind[reconcile.KindIntegrityViolation], 1)
	assert.Equal(t, "50", byKind[reconcile.KindIntegrityViolation][0].Details["drift"])
	require.Len(t, byKind[reconcile.KindLedgerMismatch], 1)

	require.Len(t, byKind[reconcile.KindGrantAmountMismatch], 1)
	assert.Equal(t, ledger.AccountID("acct-pro"), byKind[reconcile.KindGrantAmountMismatch][0].AccountID)

	require.Len(t, byKind[reconcile.KindIdentityDiscrepancy], 1)

	// flagged only: the drifted row is left for an operator
	assert.Equal(t, ledger.Points(100), balance(t, f.store, "acct-drift"))
	assert.Equal(t, ledger.Points(500), balance(t, f.store, "acct-pro"))
	assert.Empty(t, report.RepairsApplied)
}

func TestRun_ClosesSettledDiscrepancy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.resolver.Link(ctx, "primary-1", "acct-1")
	require.NoError(t, err)

	// GIVEN: the payment side hints another account and a read notices it
	sub := identity.Subscription{PresentedID: "primary-1", ResolvedHint: "acct-9"}
	require.NoError(t, f.ids.SaveSubscription(ctx, sub))
	_, err = f.resolver.Resolve(ctx, "primary-1")
	require.NoError(t, err)

	report, err := f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(reconcile.KindIdentityDiscrepancy))

	// WHEN: the hint is corrected to the mapped account
	sub.ResolvedHint = "acct-1"
	require.NoError(t, f.ids.SaveSubscription(ctx, sub))

	// THEN: a dry run stops reporting it but leaves it open
	report, err = f.engine.Run(ctx, reconcile.ModeDryRun)
	require.NoError(t, err)
	assert.Zero(t, report.Count(reconcile.KindIdentityDiscrepancy))
	open, err := f.ids.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// AND: apply closes it
	report, err = f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)
	assert.Zero(t, report.Count(reconcile.KindIdentityDiscrepancy))
	assert.Empty(t, report.Errors)
	open, err = f.ids.OpenDiscrepancies(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRun_StaleDeduction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.resolver.Link(ctx, "primary-1", "acct-1")
	require.NoError(t, err)
	_, err = f.svc.AddPoints(ctx, "acct-1", 100, ledger.TxPurchase, "buy-1", nil)
	require.NoError(t, err)

	// GIVEN: one charged generation and one that slipped through
	_, err = f.svc.ChargeGeneration(ctx, credits.GenerationRequest{
		PresentedIdentity: "acct-1", GenerationType: catalog.NanoBananaImage, TaskReference: "task-charged",
	})
	require.NoError(t, err)
	for _, task := range []string{"task-charged", "task-free"} {
		require.NoError(t, f.svc.RecordGenerationOutcome(ctx, credits.GenerationOutcome{
			TaskReference: task, PresentedIdentity: "acct-1", GenerationType: catalog.NanoBananaImage, Succeeded: true,
		}))
	}

	t.Run("dry run flags only the uncharged task", func(t *testing.T) {
		report, err := f.engine.Run(ctx, reconcile.ModeDryRun)
		require.NoError(t, err)
		require.Equal(t, 1, report.Count(reconcile.KindStaleDeduction))
		assert.Equal(t, "task-free", report.Violations[0].Details["task_reference"])
	})

	t.Run("apply records an audit-only deduction", func(t *testing.T) {
		report, err := f.engine.Run(ctx, reconcile.ModeApply)
		require.NoError(t, err)
		require.Len(t, report.RepairsApplied, 1)
		assert.Equal(t, report.RepairsApplied[0].BalanceBefore, report.RepairsApplied[0].BalanceAfter)

		// balance is never reduced by reconciliation
		assert.Equal(t, ledger.Points(95), balance(t, f.store, "acct-1"))
		found, err := f.store.FindTransaction(ctx, ledger.IdempotencyKey{
			AccountID: "acct-1", Type: ledger.TxGenerationDeduction, Reference: "task-free",
		})
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.False(t, found.Applied)
	})

	t.Run("re-run is clean", func(t *testing.T) {
		report, err := f.engine.Run(ctx, reconcile.ModeApply)
		require.NoError(t, err)
		assert.Zero(t, report.Count(reconcile.KindStaleDeduction))
		assert.Empty(t, report.RepairsApplied)
	})
}

func TestRun_CancelledBetweenAccounts(t *testing.T) {
	f := newFixture(t)
	f.seedTripleGrant(t, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Run(ctx, reconcile.ModeApply)

	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Zero(t, report.AccountsScanned)
	assert.Equal(t, ledger.Points(2400), balance(t, f.store, "acct-1"))

	// an interrupted run is still recorded
	runs, err := f.runs.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Interrupted)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconcileRuns.WithLabelValues("apply", "interrupted")))
}

func TestRun_SavesHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTripleGrant(t, "acct-1")

	first, err := f.engine.Run(ctx, reconcile.ModeDryRun)
	require.NoError(t, err)
	_, err = f.engine.Run(ctx, reconcile.ModeApply)
	require.NoError(t, err)

	runs, err := f.runs.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reconcile.ModeApply, runs[0].Mode)
	assert.Equal(t, 1, runs[0].RepairsApplied)

	saved, ok := f.runs.Report(first.RunID)
	require.True(t, ok)
	assert.Equal(t, reconcile.ModeDryRun, saved.Mode)
}

func TestRun_UnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(), reconcile.Mode("fix-everything"))
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]reconcile.Mode{
		"dry_run": reconcile.ModeDryRun,
		"dry-run": reconcile.ModeDryRun,
		"apply":   reconcile.ModeApply,
	} {
		got, err := reconcile.ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := reconcile.ParseMode("yolo")
	assert.Error(t, err)
}
