package credits

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// RECONCILIATION REPAIRS
// =============================================================================

// CollapseDuplicateGrants keeps one grant of a billing cycle and removes the
// rest. The removal is recorded as an audit-only reversal carrying the
// removed ids, and the account is recomputed from its remaining log.
func (s *Service) CollapseDuplicateGrants(ctx context.Context, runID, billingCycle string, keep ledger.Transaction, extras []ledger.Transaction) (ledger.CollapseResult, error) {
	if len(extras) == 0 {
		return ledger.CollapseResult{}, fmt.Errorf("%w: nothing to collapse", ledger.ErrInvalidMutation)
	}

	var (
		removed ledger.Points
		ids     = make([]ledger.TransactionID, 0, len(extras))
		names   = make([]string, 0, len(extras))
	)
	for _, tx := range extras {
		removed += tx.Amount
		ids = append(ids, tx.ID)
		names = append(names, string(tx.ID))
	}
	sort.Strings(names)

	req := ledger.CollapseRequest{
		AccountID: keep.AccountID,
		Keep:      keep.ID,
		Remove:    ids,
		Audit: ledger.Transaction{
			AccountID: keep.AccountID,
			Amount:    -removed,
			Type:      ledger.TxAdminAdjustment,
			Reference: "collapse:" + billingCycle + ":" + runID,
			Metadata: map[string]string{
				ledger.MetaBillingCycle: billingCycle,
				ledger.MetaRepairRunID:  runID,
				ledger.MetaRemovedTxIDs: strings.Join(names, ","),
				ledger.MetaReason:       "duplicate subscription grant",
			},
		},
	}

	res, err := s.store.CollapseGrants(ctx, req)
	if err != nil {
		return res, err
	}
	s.invalidate(ctx, keep.AccountID)
	s.logger.Warn("duplicate grants collapsed",
		"account_id", keep.AccountID, "billing_cycle_id", billingCycle,
		"kept", keep.ID, "removed", len(extras), "points_removed", removed,
		"balance", res.Account.Balance, "run_id", runID)
	return res, nil
}

// RecordMissingDeduction writes a non-deducting generation_deduction for a
// generation that succeeded without a charge. It occupies the task's
// idempotency key, so a late charge for the same task cannot double-debit.
func (s *Service) RecordMissingDeduction(ctx context.Context, runID string, rec ledger.GenerationRecord) (ledger.Result, error) {
	amount := rec.PointsCharged
	if amount <= 0 {
		if cost, err := s.catalog.Cost(rec.GenerationType); err == nil {
			amount = cost
		}
	}

	res, err := s.store.RecordAudit(ctx, ledger.Transaction{
		AccountID: rec.AccountID,
		Amount:    -amount,
		Type:      ledger.TxGenerationDeduction,
		Reference: rec.TaskReference,
		Metadata: map[string]string{
			ledger.MetaGenerationType: rec.GenerationType,
			ledger.MetaRepairRunID:    runID,
			ledger.MetaReason:         "stale deduction, balance not adjusted",
		},
	})
	if err != nil {
		return res, err
	}
	s.logger.Warn("missing deduction recorded as audit-only",
		"account_id", rec.AccountID, "task_reference", rec.TaskReference, "run_id", runID)
	return res, nil
}
