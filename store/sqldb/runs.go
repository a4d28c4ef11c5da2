package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/reconcile"
)

// =============================================================================
// RECONCILIATION RUNS (reconcile.RunStore)
// =============================================================================

var _ reconcile.RunStore = (*Store)(nil)

// SaveRun stores the summary columns and the full report as JSON. Saving
// the same run twice overwrites it.
func (s *Store) SaveRun(ctx context.Context, r *reconcile.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	sum := r.Summary()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reconciliation_runs
			(id, mode, accounts_scanned, violations, repairs_applied, errors, interrupted, report_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			accounts_scanned = excluded.accounts_scanned,
			violations = excluded.violations,
			repairs_applied = excluded.repairs_applied,
			errors = excluded.errors,
			interrupted = excluded.interrupted,
			report_json = excluded.report_json,
			completed_at = excluded.completed_at`),
		sum.RunID, sum.Mode, sum.AccountsScanned, sum.Violations, sum.RepairsApplied,
		sum.Errors, boolToInt(sum.Interrupted), string(data),
		formatTime(sum.StartedAt), nullTime(sum.CompletedAt),
	)
	return ledger.WrapStorage("save run", err)
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]reconcile.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, mode, accounts_scanned, violations, repairs_applied, errors, interrupted, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, ledger.WrapStorage("list runs", err)
	}
	defer rows.Close()

	var runs []reconcile.RunSummary
	for rows.Next() {
		var (
			r           reconcile.RunSummary
			interrupted int
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Mode, &r.AccountsScanned, &r.Violations,
			&r.RepairsApplied, &r.Errors, &interrupted, &startedAt, &completedAt); err != nil {
			return nil, ledger.WrapStorage("list runs", err)
		}
		r.Interrupted = interrupted != 0
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, ledger.WrapStorage("list runs", rows.Err())
}

// Report loads the full report of a run. Returns nil if the run is unknown.
func (s *Store) Report(ctx context.Context, runID string) (*reconcile.Report, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT report_json FROM reconciliation_runs WHERE id = ?`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.WrapStorage("get run", err)
	}
	if !data.Valid {
		return nil, nil
	}
	var r reconcile.Report
	if err := json.Unmarshal([]byte(data.String), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return &r, nil
}
