package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

// checkAccount runs every per-account check. Storage errors are recorded on
// the report and end the checks for this account only.
func (e *Engine) checkAccount(ctx context.Context, report *Report, snap *snapshot, acct ledger.Account) {
	txs, err := e.store.Transactions(ctx, acct.ID)
	if err != nil {
		e.fail(report, acct.ID, "read transactions", err)
		return
	}

	e.checkIntegrity(report, acct)
	e.checkLedger(report, acct, txs)

	if e.cfg.Mappings != nil && !snap.mapped[acct.ID] {
		e.add(report, Finding{
			Kind:      KindMissingMapping,
			Severity:  SeverityWarning,
			AccountID: acct.ID,
			Message:   "no identity mapping points at this account",
		})
	}

	if e.checkGrants(ctx, report, acct, txs) {
		// a collapse rewrote the log and the row
		id := acct.ID
		if acct, err = e.store.GetAccount(ctx, id); err != nil {
			e.fail(report, id, "reload account", err)
			return
		}
		if txs, err = e.store.Transactions(ctx, id); err != nil {
			e.fail(report, id, "reload transactions", err)
			return
		}
	}

	e.checkZeroBalance(report, acct)
	e.checkStaleDeductions(ctx, report, acct, txs, snap.generations[acct.ID])
}

func (e *Engine) fail(report *Report, account ledger.AccountID, op string, err error) {
	msg := fmt.Sprintf("%s %s: %v", op, account, err)
	report.Errors = append(report.Errors, msg)
	e.logger.Error("reconciliation check failed", "account_id", account, "op", op, "error", err)
}

// checkIntegrity compares the row's balance with its own lifetime counters.
func (e *Engine) checkIntegrity(report *Report, acct ledger.Account) {
	drift := acct.IntegrityDrift()
	if abs(drift) <= Epsilon {
		return
	}
	e.add(report, Finding{
		Kind:      KindIntegrityViolation,
		Severity:  SeverityCritical,
		AccountID: acct.ID,
		Message: fmt.Sprintf("balance %d != earned %d - spent %d (drift %d)",
			acct.Balance, acct.LifetimeEarned, acct.LifetimeSpent, drift),
		Details: map[string]string{"drift": strconv.FormatInt(int64(drift), 10)},
	})
}

// checkLedger compares the row with the totals replayed from its log.
func (e *Engine) checkLedger(report *Report, acct ledger.Account, txs []ledger.Transaction) {
	totals := ledger.ComputeTotals(txs)
	diff := acct.Balance - totals.Balance
	if abs(diff) <= Epsilon &&
		abs(acct.LifetimeEarned-totals.LifetimeEarned) <= Epsilon &&
		abs(acct.LifetimeSpent-totals.LifetimeSpent) <= Epsilon {
		return
	}
	e.add(report, Finding{
		Kind:      KindLedgerMismatch,
		Severity:  SeverityWarning,
		AccountID: acct.ID,
		Message:   fmt.Sprintf("row balance %d, log replays to %d", acct.Balance, totals.Balance),
		Details: map[string]string{
			"row_balance":    strconv.FormatInt(int64(acct.Balance), 10),
			"log_balance":    strconv.FormatInt(int64(totals.Balance), 10),
			"log_earned":     strconv.FormatInt(int64(totals.LifetimeEarned), 10),
			"log_spent":      strconv.FormatInt(int64(totals.LifetimeSpent), 10),
			"audit_only_txs": strconv.Itoa(totals.AuditOnly),
		},
	})
}

func (e *Engine) checkZeroBalance(report *Report, acct ledger.Account) {
	if acct.Balance != 0 || !acct.IsActive() || !e.svc.IsPaidTier(acct.Tier) {
		return
	}
	e.add(report, Finding{
		Kind:      KindZeroBalancePaidTier,
		Severity:  SeverityCritical,
		AccountID: acct.ID,
		Message:   fmt.Sprintf("active %s subscriber has a zero balance", acct.Tier),
		Details:   map[string]string{"tier": acct.Tier},
	})
}

// checkGrants groups applied subscription grants by billing cycle. It
// reports whether a collapse was committed.
//
// A collapse keeps the earliest grant with its own amount, even when a later
// duplicate carries the tier allocation. An earliest grant that differs from
// the allocation stays flagged as grant_amount_mismatch on every run until an
// operator adjusts it.
func (e *Engine) checkGrants(ctx context.Context, report *Report, acct ledger.Account, txs []ledger.Transaction) bool {
	cycles := make(map[string][]ledger.Transaction)
	for _, tx := range txs {
		if tx.Type != ledger.TxSubscriptionGrant || !tx.Applied {
			continue
		}
		cycle := tx.Metadata[ledger.MetaBillingCycle]
		if cycle == "" {
			continue
		}
		cycles[cycle] = append(cycles[cycle], tx)
	}

	ids := make([]string, 0, len(cycles))
	for cycle := range cycles {
		ids = append(ids, cycle)
	}
	sort.Strings(ids)

	collapsed := false
	for _, cycle := range ids {
		grants := cycles[cycle]
		// the log is oldest first, so grants[0] is the one kept
		keep := grants[0]
		e.checkGrantAmount(report, acct, cycle, keep)
		if len(grants) < 2 {
			continue
		}

		var extra ledger.Points
		for _, g := range grants[1:] {
			extra += g.Amount
		}
		finding := Finding{
			Kind:      KindDuplicateGrant,
			Severity:  SeverityCritical,
			AccountID: acct.ID,
			Message:   fmt.Sprintf("%d subscription grants for billing cycle %s", len(grants), cycle),
			Details: map[string]string{
				"billing_cycle_id": cycle,
				"grants":           strconv.Itoa(len(grants)),
				"kept":             string(keep.ID),
				"excess_points":    strconv.FormatInt(int64(extra), 10),
			},
		}

		if report.Mode == ModeApply {
			res, err := e.svc.CollapseDuplicateGrants(ctx, report.RunID, cycle, keep, grants[1:])
			if err != nil {
				e.fail(report, acct.ID, "collapse grants "+cycle, err)
			} else {
				finding.Repaired = true
				collapsed = true
				report.RepairsApplied = append(report.RepairsApplied, Repair{
					Kind:          KindDuplicateGrant,
					AccountID:     acct.ID,
					TransactionID: res.Audit.ID,
					BalanceBefore: acct.Balance,
					BalanceAfter:  res.Account.Balance,
					Description:   fmt.Sprintf("kept %s, removed %d grants (%d points)", keep.ID, len(grants)-1, res.Removed),
				})
				acct = res.Account
			}
		}
		e.add(report, finding)
	}
	return collapsed
}

// checkGrantAmount flags a grant whose amount differs from its tier's
// allocation. The amount is never changed automatically.
func (e *Engine) checkGrantAmount(report *Report, acct ledger.Account, cycle string, grant ledger.Transaction) {
	tierName := grant.Metadata[ledger.MetaTier]
	if tierName == "" {
		return
	}
	tier, ok := e.svc.Catalog().Tier(tierName)
	if !ok || tier.Allocation <= 0 || tier.Allocation == grant.Amount {
		return
	}
	e.add(report, Finding{
		Kind:      KindGrantAmountMismatch,
		Severity:  SeverityWarning,
		AccountID: acct.ID,
		Message:   fmt.Sprintf("grant %s is %d points, %s allocates %d", grant.ID, grant.Amount, tierName, tier.Allocation),
		Details: map[string]string{
			"billing_cycle_id": cycle,
			"transaction_id":   string(grant.ID),
			"tier":             tierName,
		},
	})
}

// checkStaleDeductions looks for successful generations with no deduction
// under the task reference, applied or audit-only.
func (e *Engine) checkStaleDeductions(ctx context.Context, report *Report, acct ledger.Account, txs []ledger.Transaction, recs []ledger.GenerationRecord) {
	if len(recs) == 0 {
		return
	}
	charged := make(map[string]bool)
	for _, tx := range txs {
		if tx.Type == ledger.TxGenerationDeduction {
			charged[tx.Reference] = true
		}
	}

	for _, rec := range recs {
		if charged[rec.TaskReference] {
			continue
		}
		finding := staleFinding(acct.ID, rec, "succeeded without a deduction")
		if report.Mode == ModeApply {
			res, err := e.svc.RecordMissingDeduction(ctx, report.RunID, rec)
			if err != nil && !ledger.IsIdempotentSuccess(err) {
				e.fail(report, acct.ID, "record missing deduction "+rec.TaskReference, err)
			} else {
				finding.Repaired = true
				report.RepairsApplied = append(report.RepairsApplied, Repair{
					Kind:          KindStaleDeduction,
					AccountID:     acct.ID,
					TransactionID: res.Transaction.ID,
					BalanceBefore: acct.Balance,
					BalanceAfter:  acct.Balance,
					Description:   "audit-only deduction for task " + rec.TaskReference,
				})
			}
		}
		e.add(report, finding)
	}
}

func staleFinding(account ledger.AccountID, rec ledger.GenerationRecord, msg string) Finding {
	return Finding{
		Kind:      KindStaleDeduction,
		Severity:  SeverityWarning,
		AccountID: account,
		Message:   fmt.Sprintf("generation %s %s", rec.TaskReference, msg),
		Details: map[string]string{
			"task_reference":  rec.TaskReference,
			"generation_type": rec.GenerationType,
		},
	}
}

func abs(p ledger.Points) ledger.Points {
	if p < 0 {
		return -p
	}
	return p
}

// checkDiscrepancies reports open discrepancies that still hold. One whose
// mapping and current hint agree again is closed in apply mode and left
// unreported either way.
func (e *Engine) checkDiscrepancies(ctx context.Context, report *Report, open []identity.Discrepancy) {
	for _, d := range open {
		settled, err := e.discrepancySettled(ctx, d)
		if err != nil {
			e.fail(report, d.MappedID, "check discrepancy "+d.PresentedID, err)
			continue
		}
		if !settled {
			e.add(report, Finding{
				Kind:      KindIdentityDiscrepancy,
				Severity:  SeverityWarning,
				AccountID: d.MappedID,
				Message:   fmt.Sprintf("%s maps to %s but its subscription hints %s", d.PresentedID, d.MappedID, d.HintedID),
				Details: map[string]string{
					"presented_id": d.PresentedID,
					"mapped_id":    string(d.MappedID),
					"hinted_id":    string(d.HintedID),
				},
			})
			continue
		}
		if report.Mode != ModeApply {
			continue
		}
		if err := e.cfg.Discrepancies.ResolveDiscrepancy(ctx, d.ID, e.now()); err != nil {
			e.fail(report, d.MappedID, "resolve discrepancy "+d.PresentedID, err)
			continue
		}
		e.logger.Info("identity discrepancy resolved",
			"run_id", report.RunID, "presented_id", d.PresentedID, "mapped_id", d.MappedID)
	}
}

func (e *Engine) discrepancySettled(ctx context.Context, d identity.Discrepancy) (bool, error) {
	if e.cfg.Mappings == nil || e.cfg.Subscriptions == nil {
		return false, nil
	}
	mapping, err := e.cfg.Mappings.GetMapping(ctx, d.PresentedID)
	if err != nil || mapping == nil {
		return false, err
	}
	sub, err := e.cfg.Subscriptions.SubscriptionFor(ctx, d.PresentedID)
	if err != nil {
		return false, err
	}
	return sub != nil && sub.ResolvedHint == mapping.SecondaryID, nil
}
