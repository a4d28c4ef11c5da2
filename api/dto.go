/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external contract: points are plain integers,
  timestamps are RFC3339 strings, ids are strings.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the credits service, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-engine/credits"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// RESPONSES
// =============================================================================

// BalanceDTO is the read model of one account.
type BalanceDTO struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeSpent  int64  `json:"lifetime_spent"`
	Tier           string `json:"tier,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

type TransactionDTO struct {
	ID           string            `json:"id"`
	AccountID    string            `json:"account_id"`
	Amount       int64             `json:"amount"`
	BalanceAfter int64             `json:"balance_after"`
	Type         string            `json:"type"`
	Reference    string            `json:"reference"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Applied      bool              `json:"applied"`
	CreatedAt    string            `json:"created_at"`
}

// ReceiptDTO is returned by every mutating endpoint. A redelivered event
// gets 200 with already_applied set instead of 201.
type ReceiptDTO struct {
	AccountID      string          `json:"account_id"`
	Transaction    *TransactionDTO `json:"transaction,omitempty"`
	Balance        BalanceDTO      `json:"balance"`
	AlreadyApplied bool            `json:"already_applied"`
}

type ResolutionDTO struct {
	PresentedID string `json:"presented_id"`
	AccountID   string `json:"account_id"`
	Source      string `json:"source"`
}

type MappingDTO struct {
	PrimaryID   string `json:"primary_id"`
	SecondaryID string `json:"secondary_id"`
	CreatedAt   string `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`

	// Set on 402 only.
	Shortfall *int64 `json:"shortfall,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Accounts    []string `json:"accounts"`
}

// =============================================================================
// REQUESTS
// =============================================================================

type ChargeRequest struct {
	GenerationType string `json:"generation_type"`
	TaskReference  string `json:"task_reference"`
}

// OutcomeRequest and RefundRequest come from the generation pipeline, which
// names the user it ran the task for.
type OutcomeRequest struct {
	PresentedID    string `json:"presented_id"`
	TaskReference  string `json:"task_reference"`
	GenerationType string `json:"generation_type"`
	Succeeded      bool   `json:"succeeded"`
	PointsCharged  int64  `json:"points_charged,omitempty"`
}

type RefundRequest struct {
	PresentedID string `json:"presented_id"`
	Reason      string `json:"reason"`
}

type SubscriptionEventRequest struct {
	EventID        string `json:"event_id"`
	AccountHint    string `json:"account_hint"`
	Tier           string `json:"tier"`
	BillingCycleID string `json:"billing_cycle_id"`
	Allocation     int64  `json:"allocation,omitempty"`
}

type PurchaseEventRequest struct {
	EventID     string `json:"event_id"`
	AccountHint string `json:"account_hint"`
	Points      int64  `json:"points"`
}

type AdjustmentRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

type LinkRequest struct {
	PrimaryID   string `json:"primary_id"`
	SecondaryID string `json:"secondary_id"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(v ledger.BalanceView) BalanceDTO {
	return BalanceDTO{
		AccountID:      string(v.AccountID),
		Balance:        int64(v.Balance),
		LifetimeEarned: int64(v.LifetimeEarned),
		LifetimeSpent:  int64(v.LifetimeSpent),
		Tier:           v.Tier,
		TransactionID:  string(v.TransactionID),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		AccountID:    string(tx.AccountID),
		Amount:       int64(tx.Amount),
		BalanceAfter: int64(tx.BalanceAfter),
		Type:         string(tx.Type),
		Reference:    tx.Reference,
		Metadata:     tx.Metadata,
		Applied:      tx.Applied,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

func toReceiptDTO(r credits.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		AccountID:      string(r.AccountID),
		Balance:        toBalanceDTO(r.Balance),
		AlreadyApplied: r.AlreadyApplied,
	}
	if r.Transaction.ID != "" {
		tx := toTransactionDTO(r.Transaction)
		dto.Transaction = &tx
	}
	return dto
}
