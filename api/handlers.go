/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the credits service over REST. Handles HTTP request/response and
  JSON serialization, and delegates everything else to credits.Service,
  identity.Resolver and the reconciliation scheduler.

ENDPOINTS:
  Caller (any valid identity token, identity = token subject):
    GET    /api/balance                          Current balance
    GET    /api/transactions                     Ledger history
    POST   /api/signup-bonus                     One-time signup bonus
    POST   /api/generations/charge               Charge a generation

  Admin (role=admin):
    POST   /api/admin/webhooks/subscription      Subscription renewal event
    POST   /api/admin/webhooks/purchase          Points purchase event
    POST   /api/admin/generations/outcome        Pipeline outcome for a task
    POST   /api/admin/generations/{task}/refund  Refund a failed generation
    POST   /api/admin/adjustments                Manual adjustment
    POST   /api/admin/links                      Link primary -> secondary id
    GET    /api/admin/resolve/{id}               Resolve a presented id
    GET    /api/admin/accounts/{id}              Account row and log
    POST   /api/admin/accounts/{id}/status       Activate / deactivate
    POST   /api/admin/reconcile?mode=dry_run     Run reconciliation now
    GET    /api/admin/reconciliation/runs        Run history

REQUEST FLOW:
  1. Parse HTTP request
  2. Take the presented identity from the verified token
  3. Call the credits service
  4. Serialize response
  5. Map errors to status codes

ERROR HANDLING:
  - 400: Unknown generation type, invalid input, unresolvable identity
  - 401: Missing or invalid identity token (auth.go)
  - 402: Insufficient balance, body carries the shortfall
  - 403: Account deactivated, or missing role
  - 404: Account not found
  - 409: Mapping conflict, reconciliation already running
  - 503: Storage error, safe to retry
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/credit-engine/catalog"
	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Credits   *credits.Service
	Resolver  *identity.Resolver
	Scheduler *ReconciliationScheduler
	Runs      reconcile.RunStore

	logger *slog.Logger
}

func NewHandler(svc *credits.Service, resolver *identity.Resolver, scheduler *ReconciliationScheduler, runs reconcile.RunStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Credits:   svc,
		Resolver:  resolver,
		Scheduler: scheduler,
		Runs:      runs,
		logger:    logger.With("component", "api"),
	}
}

// =============================================================================
// CALLER ENDPOINTS
// =============================================================================

// GetBalance returns the balance of the authenticated identity.
// GET /api/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.Credits.GetBalance(r.Context(), presentedID(r))
	if err != nil {
		h.respondError(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// GetTransactions returns the caller's ledger, oldest first.
// GET /api/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account, err := h.Credits.ResolveIdentity(ctx, presentedID(r))
	if err != nil {
		h.respondError(w, r, "Failed to resolve identity", err)
		return
	}
	txs, err := h.Credits.Store().Transactions(ctx, account)
	if err != nil {
		h.respondError(w, r, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":   account,
		"transactions": toTransactionDTOs(txs),
	})
}

// GrantSignupBonus credits the signup bonus once.
// POST /api/signup-bonus
func (h *Handler) GrantSignupBonus(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Credits.GrantSignupBonus(r.Context(), presentedID(r))
	h.respondReceipt(w, r, "Failed to grant signup bonus", receipt, err)
}

// ChargeGeneration deducts the configured cost before a generation runs.
// POST /api/generations/charge
func (h *Handler) ChargeGeneration(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Credits.ChargeGeneration(r.Context(), credits.GenerationRequest{
		PresentedIdentity: req.PresentedID,
		GenerationType:    req.GenerationType,
		TaskReference:     req.TaskReference,
	})
	h.respondReceipt(w, r, "Failed to charge generation", receipt, err)
}

// RecordOutcome stores a pipeline outcome for reconciliation and refunds.
// POST /api/admin/generations/outcome
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decode(w, r, &req) {
		return
	}
	err := h.Credits.RecordGenerationOutcome(r.Context(), credits.GenerationOutcome{
		TaskReference:     req.TaskReference,
		PresentedIdentity: req.PresentedID,
		GenerationType:    req.GenerationType,
		Succeeded:         req.Succeeded,
		PointsCharged:     ledger.Points(req.PointsCharged),
	})
	if err != nil {
		h.respondError(w, r, "Failed to record outcome", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// RefundGeneration refunds the deducted amount of a failed task once.
// POST /api/admin/generations/{task}/refund
func (h *Handler) RefundGeneration(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Credits.RefundGeneration(r.Context(), req.PresentedID, chi.URLParam(r, "task"), req.Reason)
	h.respondReceipt(w, r, "Failed to refund generation", receipt, err)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// SubscriptionWebhook processes a verified subscription event.
// POST /api/admin/webhooks/subscription
func (h *Handler) SubscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionEventRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Credits.ProcessSubscriptionEvent(r.Context(), credits.SubscriptionEvent{
		EventID:        req.EventID,
		AccountHint:    req.AccountHint,
		Tier:           req.Tier,
		BillingCycleID: req.BillingCycleID,
		Allocation:     ledger.Points(req.Allocation),
	})
	h.respondReceipt(w, r, "Failed to process subscription event", receipt, err)
}

// PurchaseWebhook processes a verified purchase event.
// POST /api/admin/webhooks/purchase
func (h *Handler) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	var req PurchaseEventRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Credits.ProcessPurchase(r.Context(), credits.PurchaseEvent{
		EventID:     req.EventID,
		AccountHint: req.AccountHint,
		Points:      ledger.Points(req.Points),
	})
	h.respondReceipt(w, r, "Failed to process purchase", receipt, err)
}

// CreateAdjustment applies an operator correction.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Credits.AdjustPoints(r.Context(), ledger.AccountID(req.AccountID),
		ledger.Points(req.Delta), req.Reference, req.Reason)
	h.respondReceipt(w, r, "Failed to create adjustment", receipt, err)
}

// CreateLink records a primary -> secondary identity mapping.
// POST /api/admin/links
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Resolver.Link(r.Context(), req.PrimaryID, ledger.AccountID(req.SecondaryID))
	if err != nil {
		h.respondError(w, r, "Failed to link identities", err)
		return
	}
	writeJSON(w, http.StatusCreated, MappingDTO{
		PrimaryID:   m.PrimaryID,
		SecondaryID: string(m.SecondaryID),
		CreatedAt:   m.CreatedAt.Format(timeLayout),
	})
}

// Resolve shows which account a presented id reaches and why.
// GET /api/admin/resolve/{id}
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	res, err := h.Resolver.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, "Failed to resolve identity", err)
		return
	}
	writeJSON(w, http.StatusOK, ResolutionDTO{
		PresentedID: res.PresentedID,
		AccountID:   string(res.AccountID),
		Source:      string(res.Source),
	})
}

// GetAccount returns the canonical account row and its full log.
// GET /api/admin/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.AccountID(chi.URLParam(r, "id"))
	acct, err := h.Credits.Store().GetAccount(ctx, id)
	if err != nil {
		h.respondError(w, r, "Failed to get account", err)
		return
	}
	txs, err := h.Credits.Store().Transactions(ctx, id)
	if err != nil {
		h.respondError(w, r, "Failed to get transactions", err)
		return
	}
	totals := ledger.ComputeTotals(txs)
	writeJSON(w, http.StatusOK, map[string]any{
		"account":         toBalanceDTO(ledger.ViewOf(acct)),
		"status":          acct.Status,
		"integrity_drift": int64(acct.IntegrityDrift()),
		"log_balance":     int64(totals.Balance),
		"transactions":    toTransactionDTOs(txs),
	})
}

// SetStatus activates or deactivates an account.
// POST /api/admin/accounts/{id}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if err := h.Credits.SetStatus(r.Context(), id, ledger.AccountStatus(req.Status)); err != nil {
		h.respondError(w, r, "Failed to set status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account_id": string(id), "status": req.Status})
}

// TriggerReconciliation runs one pass now and returns the report.
// POST /api/admin/reconcile?mode=dry_run|apply (default dry_run)
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	mode := reconcile.ModeDryRun
	if q := r.URL.Query().Get("mode"); q != "" {
		var err error
		if mode, err = reconcile.ParseMode(q); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid mode", err)
			return
		}
	}
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Reconciliation not configured", nil)
		return
	}

	report, err := h.Scheduler.RunNow(r.Context(), mode)
	if errors.Is(err, ErrRunInProgress) {
		writeError(w, http.StatusConflict, "Reconciliation already running", err)
		return
	}
	if err != nil {
		h.respondError(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListReconciliationRuns returns reconciliation run history.
// GET /api/admin/reconciliation/runs?limit=20
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []reconcile.RunSummary{}})
		return
	}
	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, "Failed to get reconciliation runs", err)
		return
	}
	if runs == nil {
		runs = []reconcile.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05Z07:00"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// respondReceipt writes 201 for a new transaction and 200 for a redelivery.
func (h *Handler) respondReceipt(w http.ResponseWriter, r *http.Request, message string, receipt credits.Receipt, err error) {
	if err != nil {
		h.respondError(w, r, message, err)
		return
	}
	status := http.StatusCreated
	if receipt.AlreadyApplied || receipt.Transaction.ID == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

// respondError maps ledger error kinds to status codes.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "path", r.URL.Path, "error", err)
	}

	var ie *ledger.InsufficientBalanceError
	if errors.As(err, &ie) {
		shortfall, available := int64(ie.Shortfall), int64(ie.Available)
		writeJSON(w, status, ErrorResponse{
			Error:     "Insufficient balance",
			Details:   fmt.Sprintf("requested %d, available %d", ie.Requested, ie.Available),
			Shortfall: &shortfall,
			Available: &available,
		})
		return
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	var storage *ledger.StorageError
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, identity.ErrMappingConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnknownGenerationType),
		errors.Is(err, ledger.ErrInvalidMutation),
		errors.Is(err, ledger.ErrIdentityNotResolved):
		return http.StatusBadRequest
	case errors.As(err, &storage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	return dtos
}

// ListCosts exposes the cost schedule and tier catalog.
// GET /api/catalog
func (h *Handler) ListCosts(w http.ResponseWriter, r *http.Request) {
	cat := h.Credits.Catalog()
	costs := make(map[string]int64)
	for _, name := range cat.GenerationTypes() {
		cost, _ := cat.Cost(name)
		costs[name] = int64(cost)
	}
	tiers := make([]map[string]any, 0)
	for _, t := range cat.Tiers() {
		tiers = append(tiers, map[string]any{"name": t.Name, "allocation": int64(t.Allocation), "paid": t.Paid})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"costs":        costs,
		"tiers":        tiers,
		"signup_bonus": int64(cat.SignupBonus()),
		"default_tier": catalog.TierFree,
	})
}
