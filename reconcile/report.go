package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// MODE
// =============================================================================

type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeApply  Mode = "apply"
)

// ParseMode accepts "dry_run", "dry-run", "dryrun" and "apply".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "dry_run", "dry-run", "dryrun", "dryRun":
		return ModeDryRun, nil
	case "apply":
		return ModeApply, nil
	default:
		return "", fmt.Errorf("unknown reconciliation mode %q", s)
	}
}

// =============================================================================
// FINDINGS
// =============================================================================

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

type Kind string

const (
	KindIntegrityViolation  Kind = "integrity_violation"
	KindLedgerMismatch      Kind = "ledger_mismatch"
	KindZeroBalancePaidTier Kind = "zero_balance_paid_tier"
	KindMissingMapping      Kind = "missing_mapping"
	KindDuplicateGrant      Kind = "duplicate_grant"
	KindGrantAmountMismatch Kind = "grant_amount_mismatch"
	KindStaleDeduction      Kind = "stale_deduction"
	KindIdentityDiscrepancy Kind = "identity_discrepancy"
)

// Finding is one detected violation. Findings are accumulated, never
// returned as errors.
type Finding struct {
	Kind      Kind              `json:"kind"`
	Severity  Severity          `json:"severity"`
	AccountID ledger.AccountID  `json:"account_id,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Repaired  bool              `json:"repaired"`
}

// Repair is one corrective storage transaction committed in apply mode.
type Repair struct {
	Kind          Kind                 `json:"kind"`
	AccountID     ledger.AccountID     `json:"account_id"`
	TransactionID ledger.TransactionID `json:"transaction_id"`
	BalanceBefore ledger.Points        `json:"balance_before"`
	BalanceAfter  ledger.Points        `json:"balance_after"`
	Description   string               `json:"description"`
}

// Report is the result of one run.
type Report struct {
	RunID           string    `json:"run_id"`
	Mode            Mode      `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	AccountsScanned int       `json:"accounts_scanned"`
	Violations      []Finding `json:"violations"`
	RepairsApplied  []Repair  `json:"repairs_applied"`
	Errors          []string  `json:"errors,omitempty"`

	// Interrupted is set when the run was cancelled between accounts.
	Interrupted bool `json:"interrupted"`
}

// Count returns the number of findings of a kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, f := range r.Violations {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Report) HasCritical() bool {
	for _, f := range r.Violations {
		if f.Severity == SeverityCritical && !f.Repaired {
			return true
		}
	}
	return false
}

// =============================================================================
// RUN HISTORY
// =============================================================================

// RunSummary is the persisted headline of a run.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	Mode            Mode      `json:"mode"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	AccountsScanned int       `json:"accounts_scanned"`
	Violations      int       `json:"violations"`
	RepairsApplied  int       `json:"repairs_applied"`
	Errors          int       `json:"errors"`
	Interrupted     bool      `json:"interrupted"`
}

func (r *Report) Summary() RunSummary {
	return RunSummary{
		RunID:           r.RunID,
		Mode:            r.Mode,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		AccountsScanned: r.AccountsScanned,
		Violations:      len(r.Violations),
		RepairsApplied:  len(r.RepairsApplied),
		Errors:          len(r.Errors),
		Interrupted:     r.Interrupted,
	}
}

type RunStore interface {
	SaveRun(ctx context.Context, r *Report) error

	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}
