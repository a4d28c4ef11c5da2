package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

var (
	_ identity.MappingStore      = (*Store)(nil)
	_ identity.SubscriptionStore = (*Store)(nil)
	_ identity.DiscrepancyStore  = (*Store)(nil)
)

// =============================================================================
// IDENTITY MAPPINGS
// =============================================================================

func (s *Store) GetMapping(ctx context.Context, primaryID string) (*identity.Mapping, error) {
	var (
		m         identity.Mapping
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT primary_id, secondary_id, created_at
		FROM identity_mappings WHERE primary_id = ?`), primaryID,
	).Scan(&m.PrimaryID, &m.SecondaryID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.WrapStorage("get mapping", err)
	}
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

// CreateMapping relies on the primary key for "one secondary per primary".
func (s *Store) CreateMapping(ctx context.Context, m identity.Mapping) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO identity_mappings (primary_id, secondary_id, created_at)
		VALUES (?, ?, ?)`),
		m.PrimaryID, m.SecondaryID, formatTime(m.CreatedAt),
	)
	if isUniqueViolation(err) {
		conflict := &identity.MappingConflictError{PrimaryID: m.PrimaryID, RequestedSecondary: m.SecondaryID}
		if existing, gerr := s.GetMapping(ctx, m.PrimaryID); gerr == nil && existing != nil {
			conflict.ExistingSecondary = existing.SecondaryID
		}
		return conflict
	}
	return ledger.WrapStorage("create mapping", err)
}

func (s *Store) ListMappings(ctx context.Context) ([]identity.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT primary_id, secondary_id, created_at
		FROM identity_mappings ORDER BY primary_id`)
	if err != nil {
		return nil, ledger.WrapStorage("list mappings", err)
	}
	defer rows.Close()

	var mappings []identity.Mapping
	for rows.Next() {
		var (
			m         identity.Mapping
			createdAt string
		)
		if err := rows.Scan(&m.PrimaryID, &m.SecondaryID, &createdAt); err != nil {
			return nil, ledger.WrapStorage("list mappings", err)
		}
		m.CreatedAt = parseTime(createdAt)
		mappings = append(mappings, m)
	}
	return mappings, ledger.WrapStorage("list mappings", rows.Err())
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

const subscriptionColumns = `presented_id, id, tier, billing_cycle_id, status, period_start, period_end, resolved_hint`

func (s *Store) SubscriptionFor(ctx context.Context, presentedID string) (*identity.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE presented_id = ?`), presentedID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.WrapStorage("get subscription", err)
	}
	return &sub, nil
}

// SaveSubscription upserts by presented id.
func (s *Store) SaveSubscription(ctx context.Context, sub identity.Subscription) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO subscriptions (`+subscriptionColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (presented_id) DO UPDATE SET
			id = excluded.id,
			tier = excluded.tier,
			billing_cycle_id = excluded.billing_cycle_id,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			resolved_hint = excluded.resolved_hint,
			updated_at = excluded.updated_at`),
		sub.PresentedID, sub.ID, sub.Tier, sub.BillingCycleID, sub.Status,
		nullTime(sub.PeriodStart), nullTime(sub.PeriodEnd), sub.ResolvedHint,
		formatTime(s.Now()),
	)
	return ledger.WrapStorage("save subscription", err)
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]identity.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY presented_id`)
	if err != nil {
		return nil, ledger.WrapStorage("list subscriptions", err)
	}
	defer rows.Close()

	var subs []identity.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, ledger.WrapStorage("list subscriptions", err)
		}
		subs = append(subs, sub)
	}
	return subs, ledger.WrapStorage("list subscriptions", rows.Err())
}

func scanSubscription(row scanner) (identity.Subscription, error) {
	var (
		sub        identity.Subscription
		start, end sql.NullString
	)
	err := row.Scan(&sub.PresentedID, &sub.ID, &sub.Tier, &sub.BillingCycleID,
		&sub.Status, &start, &end, &sub.ResolvedHint)
	if err != nil {
		return sub, err
	}
	sub.PeriodStart = parseNullTime(start)
	sub.PeriodEnd = parseNullTime(end)
	return sub, nil
}

// =============================================================================
// DISCREPANCIES
// =============================================================================

// ReportDiscrepancy ignores a triple that is already open and reopens one
// that was resolved.
func (s *Store) ReportDiscrepancy(ctx context.Context, d identity.Discrepancy) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ObservedAt.IsZero() {
		d.ObservedAt = s.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO identity_discrepancies (id, presented_id, mapped_id, hinted_id, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (presented_id, mapped_id, hinted_id) DO UPDATE
		SET resolved_at = NULL, observed_at = excluded.observed_at
		WHERE identity_discrepancies.resolved_at IS NOT NULL`),
		d.ID, d.PresentedID, d.MappedID, d.HintedID, formatTime(d.ObservedAt),
	)
	return ledger.WrapStorage("report discrepancy", err)
}

func (s *Store) OpenDiscrepancies(ctx context.Context) ([]identity.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, presented_id, mapped_id, hinted_id, observed_at
		FROM identity_discrepancies WHERE resolved_at IS NULL ORDER BY observed_at`)
	if err != nil {
		return nil, ledger.WrapStorage("list discrepancies", err)
	}
	defer rows.Close()

	var result []identity.Discrepancy
	for rows.Next() {
		var (
			d          identity.Discrepancy
			observedAt string
		)
		if err := rows.Scan(&d.ID, &d.PresentedID, &d.MappedID, &d.HintedID, &observedAt); err != nil {
			return nil, ledger.WrapStorage("list discrepancies", err)
		}
		d.ObservedAt = parseTime(observedAt)
		result = append(result, d)
	}
	return result, ledger.WrapStorage("list discrepancies", rows.Err())
}

func (s *Store) ResolveDiscrepancy(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE identity_discrepancies SET resolved_at = ?
		WHERE id = ? AND resolved_at IS NULL`),
		formatTime(at), id,
	)
	return ledger.WrapStorage("resolve discrepancy", err)
}
