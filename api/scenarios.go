/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Seeds accounts that reproduce the drift incidents reconciliation exists
	for, so the checks and repairs can be demonstrated end to end.

AVAILABLE SCENARIOS:

	webhook-replay:      one billing cycle granted three times
	forked-identity:     legacy id whose subscription hint disagrees with its mapping
	uncharged-generation: a generation that succeeded without a deduction
	empty-subscriber:    active paid tier with a zero balance

HOW SCENARIOS WORK:
 1. Each scenario owns fixed account ids prefixed with "demo-"
 2. Events go through the credits service with fixed references
 3. Loading twice is harmless: writes are idempotent or skipped

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "webhook-replay"}

	POST /api/admin/reconcile?mode=dry_run

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, accounts
 2. Create loader function: loadXxx(ctx, h)
 3. Add case to loadScenario

SEE ALSO:
  - reconcile/checks.go: what each scenario triggers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/credit-engine/catalog"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "webhook-replay",
		Name:        "Webhook Replay",
		Description: "Subscription renewal delivered three times under different event ids before the billing-cycle guard existed",
		Accounts:    []string{"demo-replay"},
	},
	{
		ID:          "forked-identity",
		Name:        "Forked Identity",
		Description: "Legacy id mapped to a new account while its subscription still points at the legacy ledger",
		Accounts:    []string{"demo-legacy-7", "demo-acct-7"},
	},
	{
		ID:          "uncharged-generation",
		Name:        "Uncharged Generation",
		Description: "Pipeline reported success for a task that was never charged",
		Accounts:    []string{"demo-uncharged"},
	},
	{
		ID:          "empty-subscriber",
		Name:        "Empty Subscriber",
		Description: "Basic subscriber whose allocation was reversed by a chargeback",
		Accounts:    []string{"demo-empty"},
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.respondError(w, r, "Failed to load scenario", err)
		return
	}
	h.logger.Info("scenario loaded", "scenario_id", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	switch id {
	case "webhook-replay":
		return h.loadWebhookReplay(ctx)
	case "forked-identity":
		return h.loadForkedIdentity(ctx)
	case "uncharged-generation":
		return h.loadUnchargedGeneration(ctx)
	case "empty-subscriber":
		return h.loadEmptySubscriber(ctx)
	default:
		return fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidMutation, id)
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadWebhookReplay(ctx context.Context) error {
	for _, evt := range []string{"demo-evt-1", "demo-evt-1-retry", "demo-evt-1-retry-2"} {
		// straight to AddPoints: the replay predates the billing-cycle guard
		_, err := h.Credits.AddPoints(ctx, "demo-replay", 800, ledger.TxSubscriptionGrant, evt, map[string]string{
			ledger.MetaBillingCycle: "demo-cycle-2026-09",
			ledger.MetaTier:         catalog.TierBasic,
			ledger.MetaEventID:      evt,
		})
		if err != nil {
			return err
		}
	}
	return h.Credits.Store().SetTier(ctx, "demo-replay", catalog.TierBasic)
}

func (h *Handler) loadForkedIdentity(ctx context.Context) error {
	res, err := h.Resolver.Resolve(ctx, "demo-legacy-7")
	if err != nil {
		return err
	}
	if res.Source != identity.SourceMapping {
		// the subscription arrives while the legacy id still resolves to itself
		if _, err := h.Credits.ProcessSubscriptionEvent(ctx, credits.SubscriptionEvent{
			EventID:        "demo-evt-7",
			AccountHint:    "demo-legacy-7",
			Tier:           catalog.TierPro,
			BillingCycleID: "demo-cycle-2026-10",
		}); err != nil {
			return err
		}
		if _, err := h.Resolver.Link(ctx, "demo-legacy-7", "demo-acct-7"); err != nil {
			return err
		}
	}
	// the next read sees mapping and hint disagree
	_, err = h.Credits.GetBalance(ctx, "demo-legacy-7")
	return err
}

func (h *Handler) loadUnchargedGeneration(ctx context.Context) error {
	if _, err := h.Credits.ProcessPurchase(ctx, credits.PurchaseEvent{
		EventID: "demo-pay-1", AccountHint: "demo-uncharged", Points: 100,
	}); err != nil {
		return err
	}
	return h.Credits.RecordGenerationOutcome(ctx, credits.GenerationOutcome{
		TaskReference:     "demo-task-1",
		PresentedIdentity: "demo-uncharged",
		GenerationType:    catalog.FluxImage,
		Succeeded:         true,
	})
}

func (h *Handler) loadEmptySubscriber(ctx context.Context) error {
	if _, err := h.Credits.ProcessSubscriptionEvent(ctx, credits.SubscriptionEvent{
		EventID:        "demo-evt-empty",
		AccountHint:    "demo-empty",
		Tier:           catalog.TierBasic,
		BillingCycleID: "demo-cycle-2026-10",
	}); err != nil {
		return err
	}
	_, err := h.Credits.AdjustPoints(ctx, "demo-empty", -800, "demo-chargeback-1", "chargeback")
	return err
}
