/*
Package reconcile is the batch audit-and-repair process for the ledger.

PURPOSE:
  Scans every account and the identity tables for invariant violations,
  produces a Report, and in apply mode issues corrective transactions
  through the credits service.

CHECKS (per account):
  integrity_violation     |balance - (earned - spent)| > 1        critical
  ledger_mismatch         row disagrees with its applied log      warning
  zero_balance_paid_tier  active paid tier with balance 0         critical
  missing_mapping         no mapping names the account            warning
  duplicate_grant         >1 subscription_grant per billing cycle critical
  grant_amount_mismatch   kept grant differs from tier allocation warning
  stale_deduction         succeeded generation, no deduction      warning
  identity_discrepancy    mapping and subscription hint disagree  warning

REPAIRS (apply mode only):
  duplicate_grant:  keep the earliest grant, remove the others, audit-only
                    reversal, recompute the row from the remaining log
  stale_deduction:  audit-only generation_deduction, never a charge
  identity_discrepancy: closed once the mapping and the current hint agree
  Everything else is flagged for an operator.

RUN MODEL:
  1. Snapshot read: accounts, mappings, discrepancies, generation log
  2. Per account: read its log, check, repair. Each repair commits on its
     own, so cancellation between accounts leaves nothing half-done.
  3. Persist the run summary and report

  Re-running is safe: a repaired account no longer matches any check.

SEE ALSO:
  - credits/repair.go: CollapseDuplicateGrants, RecordMissingDeduction
  - api/scheduler.go: periodic runs
*/
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

// Epsilon is the balance drift absorbed as legacy rounding.
const Epsilon ledger.Points = 1

// Config wires the optional sources of an Engine. A nil source disables the
// checks that need it.
type Config struct {
	Mappings      identity.MappingStore
	Subscriptions identity.SubscriptionSource
	Discrepancies identity.DiscrepancyStore
	Generations   ledger.GenerationLog
	Runs          RunStore
	Metrics       *credits.Metrics
	Logger        *slog.Logger
}

type Engine struct {
	svc   *credits.Service
	store ledger.Store
	cfg   Config

	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(svc *credits.Service, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		svc:    svc,
		store:  svc.Store(),
		cfg:    cfg,
		logger: logger.With("component", "reconcile"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// snapshot is the read pass taken before any account is checked.
type snapshot struct {
	accounts      []ledger.Account
	mapped        map[ledger.AccountID]bool
	generations   map[ledger.AccountID][]ledger.GenerationRecord
	discrepancies []identity.Discrepancy
}

// Run performs one reconciliation pass. The returned error is only for a
// failed snapshot read; everything found per account lands in the report.
func (e *Engine) Run(ctx context.Context, mode Mode) (*Report, error) {
	if mode != ModeDryRun && mode != ModeApply {
		return nil, fmt.Errorf("unknown reconciliation mode %q", mode)
	}

	report := &Report{
		RunID:          uuid.NewString(),
		Mode:           mode,
		StartedAt:      e.now(),
		Violations:     []Finding{},
		RepairsApplied: []Repair{},
	}
	log := e.logger.With("run_id", report.RunID, "mode", mode)
	log.Info("reconciliation started")

	snap, err := e.snapshot(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.CompletedAt = e.now()
		e.finish(ctx, report)
		return report, err
	}

	e.checkDiscrepancies(ctx, report, snap.discrepancies)

	for _, acct := range snap.accounts {
		if ctx.Err() != nil {
			report.Interrupted = true
			log.Warn("reconciliation interrupted", "accounts_scanned", report.AccountsScanned)
			break
		}
		e.checkAccount(ctx, report, snap, acct)
		report.AccountsScanned++
		delete(snap.generations, acct.ID)
	}

	if !report.Interrupted {
		// generations reported for accounts the ledger has never seen
		for account, recs := range snap.generations {
			for _, rec := range recs {
				e.add(report, staleFinding(account, rec, "account has no ledger"))
			}
		}
	}

	report.CompletedAt = e.now()
	e.finish(ctx, report)
	log.Info("reconciliation finished",
		"accounts_scanned", report.AccountsScanned,
		"violations", len(report.Violations),
		"repairs", len(report.RepairsApplied),
		"errors", len(report.Errors),
		"duration", report.CompletedAt.Sub(report.StartedAt))
	return report, nil
}

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	snap := &snapshot{
		mapped:      make(map[ledger.AccountID]bool),
		generations: make(map[ledger.AccountID][]ledger.GenerationRecord),
	}

	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	snap.accounts = accounts

	if e.cfg.Mappings != nil {
		mappings, err := e.cfg.Mappings.ListMappings(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot mappings: %w", err)
		}
		for _, m := range mappings {
			snap.mapped[m.SecondaryID] = true
		}
	}

	if e.cfg.Discrepancies != nil {
		snap.discrepancies, err = e.cfg.Discrepancies.OpenDiscrepancies(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot discrepancies: %w", err)
		}
	}

	if e.cfg.Generations != nil {
		recs, err := e.cfg.Generations.ListGenerations(ctx, ledger.GenerationSucceeded)
		if err != nil {
			return nil, fmt.Errorf("snapshot generations: %w", err)
		}
		for _, rec := range recs {
			snap.generations[rec.AccountID] = append(snap.generations[rec.AccountID], rec)
		}
	}
	return snap, nil
}

func (e *Engine) add(report *Report, f Finding) {
	report.Violations = append(report.Violations, f)
}

func (e *Engine) finish(ctx context.Context, report *Report) {
	if m := e.cfg.Metrics; m != nil {
		m.RecordRun(string(report.Mode), report.Interrupted)
		for _, f := range report.Violations {
			m.RecordFinding(string(f.Kind), string(f.Severity))
		}
		for _, r := range report.RepairsApplied {
			m.RecordRepair(string(r.Kind))
		}
	}
	if e.cfg.Runs != nil {
		// a cancelled run is still recorded
		if err := e.cfg.Runs.SaveRun(context.WithoutCancel(ctx), report); err != nil {
			e.logger.Error("failed to save reconciliation run", "run_id", report.RunID, "error", err)
			report.Errors = append(report.Errors, "save run: "+err.Error())
		}
	}
}
