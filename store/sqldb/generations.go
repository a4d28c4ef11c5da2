package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// GENERATION LOG (ledger.GenerationLog)
// =============================================================================

// RecordGeneration upserts by task reference; the pipeline may report a
// task more than once.
func (s *Store) RecordGeneration(ctx context.Context, rec ledger.GenerationRecord) error {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = s.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO generations (task_reference, account_id, generation_type, status, points_charged, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_reference) DO UPDATE SET
			account_id = excluded.account_id,
			generation_type = excluded.generation_type,
			status = excluded.status,
			points_charged = excluded.points_charged,
			completed_at = excluded.completed_at`),
		rec.TaskReference, rec.AccountID, rec.GenerationType, rec.Status,
		rec.PointsCharged, formatTime(rec.CompletedAt),
	)
	return ledger.WrapStorage("record generation", err)
}

func (s *Store) GetGeneration(ctx context.Context, taskReference string) (*ledger.GenerationRecord, error) {
	var (
		rec         ledger.GenerationRecord
		completedAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT task_reference, account_id, generation_type, status, points_charged, completed_at
		FROM generations WHERE task_reference = ?`), taskReference,
	).Scan(&rec.TaskReference, &rec.AccountID, &rec.GenerationType, &rec.Status, &rec.PointsCharged, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.WrapStorage("get generation", err)
	}
	rec.CompletedAt = parseTime(completedAt)
	return &rec, nil
}

// ListGenerations returns records with the given status, or all when empty.
func (s *Store) ListGenerations(ctx context.Context, status ledger.GenerationStatus) ([]ledger.GenerationRecord, error) {
	query := `
		SELECT task_reference, account_id, generation_type, status, points_charged, completed_at
		FROM generations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY task_reference`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, ledger.WrapStorage("list generations", err)
	}
	defer rows.Close()

	var records []ledger.GenerationRecord
	for rows.Next() {
		var (
			rec         ledger.GenerationRecord
			completedAt string
		)
		if err := rows.Scan(&rec.TaskReference, &rec.AccountID, &rec.GenerationType,
			&rec.Status, &rec.PointsCharged, &completedAt); err != nil {
			return nil, ledger.WrapStorage("list generations", err)
		}
		rec.CompletedAt = parseTime(completedAt)
		records = append(records, rec)
	}
	return records, ledger.WrapStorage("list generations", rows.Err())
}
