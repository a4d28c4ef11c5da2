package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// INBOUND EVENTS - At-least-once, possibly out of order
// =============================================================================

// SubscriptionEvent is a renewal or activation from the payment webhook
// handler. Signature verification happens upstream.
type SubscriptionEvent struct {
	EventID        string
	AccountHint    string
	Tier           string
	BillingCycleID string

	// Allocation overrides the tier's configured allocation when positive.
	Allocation ledger.Points
}

// ProcessSubscriptionEvent grants the cycle allocation keyed by EventID and
// records the tier. A second event for a billing cycle that already has a
// grant is answered with the existing grant.
//
// The account tier follows the most recent grant: a redelivered older event
// is answered from the ledger and leaves the tier alone. Zero-allocation
// tiers have no grant, so their redelivery is recognised by the billing
// cycle already recorded on the subscription.
func (s *Service) ProcessSubscriptionEvent(ctx context.Context, ev SubscriptionEvent) (Receipt, error) {
	if strings.TrimSpace(ev.EventID) == "" || strings.TrimSpace(ev.BillingCycleID) == "" {
		return Receipt{}, fmt.Errorf("%w: event id and billing cycle id are required", ledger.ErrInvalidMutation)
	}
	allocation := ev.Allocation
	if allocation <= 0 {
		tier, ok := s.catalog.Tier(ev.Tier)
		if !ok {
			return Receipt{}, fmt.Errorf("%w: unknown tier %q", ledger.ErrInvalidMutation, ev.Tier)
		}
		allocation = tier.Allocation
	}

	account, err := s.ResolveIdentity(ctx, ev.AccountHint)
	if err != nil {
		return Receipt{}, err
	}
	prior := s.priorSubscription(ctx, ev.AccountHint)

	if allocation == 0 {
		current := prior == nil || prior.BillingCycleID != ev.BillingCycleID
		s.recordSubscription(ctx, ev, account, prior, current)
		if current {
			if err := s.applyTier(ctx, account, ev.Tier); err != nil {
				return Receipt{}, err
			}
		}
		view, err := s.balanceOf(ctx, account)
		return Receipt{AccountID: account, Balance: view}, err
	}

	if existing, err := s.grantForCycle(ctx, account, ev.BillingCycleID); err != nil {
		return Receipt{}, err
	} else if existing != nil && existing.Reference != ev.EventID {
		s.logger.Warn("billing cycle already granted by another event",
			"account_id", account, "billing_cycle_id", ev.BillingCycleID,
			"event_id", ev.EventID, "granted_by", existing.Reference)
		s.recordSubscription(ctx, ev, account, prior, false)
		view, err := s.balanceOf(ctx, account)
		return Receipt{AccountID: account, Transaction: *existing, Balance: view, AlreadyApplied: true}, err
	}

	md := withPresented(nil, ev.AccountHint, account)
	md[ledger.MetaBillingCycle] = ev.BillingCycleID
	md[ledger.MetaTier] = ev.Tier
	md[ledger.MetaEventID] = ev.EventID
	receipt, err := s.credit(ctx, ledger.Mutation{
		AccountID: account,
		Amount:    allocation,
		Type:      ledger.TxSubscriptionGrant,
		Reference: ev.EventID,
		Metadata:  md,
	})
	if err != nil {
		return receipt, err
	}

	current := !receipt.AlreadyApplied
	if !current {
		// a redelivery of the latest event still applies its tier, so a
		// retry after a failed SetTier converges
		latest, err := s.latestGrant(ctx, account)
		if err != nil {
			return Receipt{}, err
		}
		current = latest != nil && latest.Reference == ev.EventID
	}
	s.recordSubscription(ctx, ev, account, prior, current)
	if current {
		if err := s.applyTier(ctx, account, ev.Tier); err != nil {
			return Receipt{}, err
		}
		receipt.Balance.Tier = ev.Tier
	}
	return receipt, nil
}

func (s *Service) applyTier(ctx context.Context, account ledger.AccountID, tier string) error {
	if tier == "" {
		return nil
	}
	if err := s.store.SetTier(ctx, account, tier); err != nil {
		return err
	}
	s.invalidate(ctx, account)
	return nil
}

// grantForCycle is a fast-path check only. Two different events for one
// cycle racing each other can still both commit; reconciliation collapses
// them.
func (s *Service) grantForCycle(ctx context.Context, account ledger.AccountID, cycle string) (*ledger.Transaction, error) {
	txs, err := s.store.Transactions(ctx, account)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if tx.Type == ledger.TxSubscriptionGrant && tx.Applied && tx.Metadata[ledger.MetaBillingCycle] == cycle {
			found := tx
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Service) latestGrant(ctx context.Context, account ledger.AccountID) (*ledger.Transaction, error) {
	txs, err := s.store.Transactions(ctx, account)
	if err != nil {
		return nil, err
	}
	for i := len(txs) - 1; i >= 0; i-- {
		if txs[i].Type == ledger.TxSubscriptionGrant && txs[i].Applied {
			found := txs[i]
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Service) priorSubscription(ctx context.Context, presentedID string) *identity.Subscription {
	if s.subscriptions == nil {
		return nil
	}
	sub, err := s.subscriptions.SubscriptionFor(ctx, presentedID)
	if err != nil {
		s.logger.Warn("failed to read subscription", "presented_id", presentedID, "error", err)
		return nil
	}
	return sub
}

// recordSubscription caches the resolved account on the subscription so the
// resolver can use it as a hint. A stale event keeps the recorded tier and
// cycle. Failure is logged only.
func (s *Service) recordSubscription(ctx context.Context, ev SubscriptionEvent, account ledger.AccountID, prior *identity.Subscription, current bool) {
	if s.subscriptions == nil {
		return
	}
	sub := identity.Subscription{
		PresentedID:    ev.AccountHint,
		Tier:           ev.Tier,
		BillingCycleID: ev.BillingCycleID,
		Status:         identity.SubscriptionActive,
		ResolvedHint:   account,
	}
	if prior != nil {
		sub.ID = prior.ID
		sub.PeriodStart, sub.PeriodEnd = prior.PeriodStart, prior.PeriodEnd
		if prior.ResolvedHint != "" {
			// the hint is the payment side's record; never overwrite it
			sub.ResolvedHint = prior.ResolvedHint
		}
		if !current {
			sub.Tier, sub.BillingCycleID, sub.Status = prior.Tier, prior.BillingCycleID, prior.Status
		}
	}
	if err := s.subscriptions.SaveSubscription(ctx, sub); err != nil {
		s.logger.Error("failed to record subscription", "presented_id", ev.AccountHint, "error", err)
	}
}

// PurchaseEvent is a confirmed one-off points purchase.
type PurchaseEvent struct {
	EventID     string
	AccountHint string
	Points      ledger.Points
}

func (s *Service) ProcessPurchase(ctx context.Context, ev PurchaseEvent) (Receipt, error) {
	md := map[string]string{ledger.MetaEventID: ev.EventID}
	return s.AddPoints(ctx, ev.AccountHint, ev.Points, ledger.TxPurchase, ev.EventID, md)
}

// =============================================================================
// GENERATION PIPELINE
// =============================================================================

type GenerationRequest struct {
	PresentedIdentity string
	GenerationType    string
	TaskReference     string
}

// ChargeGeneration debits the cost of a generation before it runs.
func (s *Service) ChargeGeneration(ctx context.Context, req GenerationRequest) (Receipt, error) {
	return s.DeductPoints(ctx, req.PresentedIdentity, req.GenerationType, req.TaskReference, nil)
}

type GenerationOutcome struct {
	TaskReference     string
	PresentedIdentity string
	GenerationType    string
	Succeeded         bool
	PointsCharged     ledger.Points
}

// RecordGenerationOutcome stores what the pipeline reports so reconciliation
// can find successful generations that were never charged.
func (s *Service) RecordGenerationOutcome(ctx context.Context, out GenerationOutcome) error {
	if s.generations == nil {
		return fmt.Errorf("generation log not configured")
	}
	if strings.TrimSpace(out.TaskReference) == "" {
		return fmt.Errorf("%w: task reference is required", ledger.ErrInvalidMutation)
	}
	account, err := s.ResolveIdentity(ctx, out.PresentedIdentity)
	if err != nil {
		return err
	}
	status := ledger.GenerationFailed
	if out.Succeeded {
		status = ledger.GenerationSucceeded
	}
	return s.generations.RecordGeneration(ctx, ledger.GenerationRecord{
		TaskReference:  out.TaskReference,
		AccountID:      account,
		GenerationType: out.GenerationType,
		Status:         status,
		PointsCharged:  out.PointsCharged,
	})
}

// RefundGeneration returns exactly what the task was charged, once. Only a
// task the pipeline reported as failed for this account is refundable.
func (s *Service) RefundGeneration(ctx context.Context, presentedID, taskReference, reason string) (Receipt, error) {
	if s.generations == nil {
		return Receipt{}, fmt.Errorf("generation log not configured")
	}
	account, err := s.ResolveIdentity(ctx, presentedID)
	if err != nil {
		return Receipt{}, err
	}
	outcome, err := s.generations.GetGeneration(ctx, taskReference)
	if err != nil {
		return Receipt{}, err
	}
	if outcome == nil || outcome.AccountID != account || outcome.Status != ledger.GenerationFailed {
		s.metrics.operation(ledger.TxRefund, outcomeRejected)
		return Receipt{}, fmt.Errorf("%w: task %s is not a failed generation of this account", ledger.ErrInvalidMutation, taskReference)
	}
	charge, err := s.store.FindTransaction(ctx, ledger.IdempotencyKey{
		AccountID: account,
		Type:      ledger.TxGenerationDeduction,
		Reference: taskReference,
	})
	if err != nil {
		return Receipt{}, err
	}
	if charge == nil || !charge.Applied {
		return Receipt{}, fmt.Errorf("%w: no charge for task %s", ledger.ErrInvalidMutation, taskReference)
	}

	md := withPresented(nil, presentedID, account)
	md[ledger.MetaReason] = reason
	if gt := charge.Metadata[ledger.MetaGenerationType]; gt != "" {
		md[ledger.MetaGenerationType] = gt
	}
	return s.credit(ctx, ledger.Mutation{
		AccountID: account,
		Amount:    -charge.Amount,
		Type:      ledger.TxRefund,
		Reference: taskReference,
		Metadata:  md,
	})
}

// =============================================================================
// ONE-OFF GRANTS AND ADMIN
// =============================================================================

// SignupReference is the fixed reference of the signup bonus.
const SignupReference = "signup"

// GrantSignupBonus credits the catalog's signup bonus once per account.
func (s *Service) GrantSignupBonus(ctx context.Context, presentedID string) (Receipt, error) {
	bonus := s.catalog.SignupBonus()
	if bonus <= 0 {
		account, err := s.ResolveIdentity(ctx, presentedID)
		if err != nil {
			return Receipt{}, err
		}
		view, err := s.balanceOf(ctx, account)
		return Receipt{AccountID: account, Balance: view}, err
	}
	return s.AddPoints(ctx, presentedID, bonus, ledger.TxSignupBonus, SignupReference, nil)
}

// AdjustPoints is an operator correction in either direction. It addresses
// the canonical account directly, bypassing identity resolution.
func (s *Service) AdjustPoints(ctx context.Context, account ledger.AccountID, delta ledger.Points, reference, reason string) (Receipt, error) {
	m := ledger.Mutation{
		AccountID: account,
		Type:      ledger.TxAdminAdjustment,
		Reference: reference,
		Metadata:  map[string]string{ledger.MetaReason: reason},
	}
	switch {
	case delta > 0:
		m.Amount = delta
		return s.credit(ctx, m)
	case delta < 0:
		m.Amount = -delta
		start := time.Now()
		res, err := s.ledger.DeductPoints(ctx, m)
		return s.finish(ctx, m, res, err, start)
	default:
		return Receipt{}, fmt.Errorf("%w: adjustment must be non-zero", ledger.ErrInvalidMutation)
	}
}

// SetStatus activates or deactivates an account.
func (s *Service) SetStatus(ctx context.Context, account ledger.AccountID, status ledger.AccountStatus) error {
	if status != ledger.StatusActive && status != ledger.StatusDeactivated {
		return fmt.Errorf("%w: unknown status %q", ledger.ErrInvalidMutation, status)
	}
	if err := s.store.SetStatus(ctx, account, status); err != nil {
		return err
	}
	s.invalidate(ctx, account)
	s.logger.Info("account status changed", "account_id", account, "status", status)
	return nil
}

// IsPaidTier reports whether tier is a paid catalog tier.
func (s *Service) IsPaidTier(tier string) bool {
	return s.catalog.IsPaid(tier)
}
