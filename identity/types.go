/*
Package identity resolves a presented login id to the account that owns a ledger.

PURPOSE:
  The product migrated from a legacy auth system to an in-house one. Both id
  namespaces are still presented by clients. The ledger is keyed by the
  in-house (secondary) id, so every inbound request is resolved first.

RESOLUTION ORDER (fixed, never per call site):
  1. Mapping table:        primary (legacy) id -> secondary (canonical) id
  2. Subscription hint:    cached resolved id on the caller's subscription
  3. Self:                 the presented id is its own canonical id

KEY CONCEPTS:
  Mapping:      explicit link, at most one secondary per primary
  Subscription: owned by the payment domain, read here only for its hint
  Discrepancy:  mapping and hint disagree; mapping wins, the pair is
                reported to reconciliation instead of being overwritten

WRITES:
  Resolve never writes a mapping. Link is the only creation path, so two
  concurrent first logins cannot race each other into two separate ledgers.

SEE ALSO:
  - resolver.go: Resolver
  - store/sqldb/identity.go: SQL persistence
  - reconcile: consumes discrepancies and flags missing mappings
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// RESOLUTION
// =============================================================================

// Source says which rule produced a resolution.
type Source string

const (
	SourceMapping      Source = "mapping"
	SourceSubscription Source = "subscription"
	SourceSelf         Source = "self"
)

type Resolution struct {
	PresentedID string
	AccountID   ledger.AccountID
	Source      Source
}

// =============================================================================
// RECORDS
// =============================================================================

// Mapping links a legacy (primary) id to the canonical (secondary) id.
type Mapping struct {
	PrimaryID   string
	SecondaryID ledger.AccountID
	CreatedAt   time.Time
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
)

// Subscription is the payment domain's view of a customer.
type Subscription struct {
	ID             string
	PresentedID    string
	Tier           string
	BillingCycleID string
	Status         SubscriptionStatus
	PeriodStart    time.Time
	PeriodEnd      time.Time

	// ResolvedHint is the account id the payment side last saw for this
	// customer. Empty when unknown.
	ResolvedHint ledger.AccountID
}

// Discrepancy is emitted when mapping and hint disagree.
type Discrepancy struct {
	ID          string
	PresentedID string
	MappedID    ledger.AccountID
	HintedID    ledger.AccountID
	ObservedAt  time.Time

	// ResolvedAt is zero while the discrepancy is open.
	ResolvedAt time.Time
}

// =============================================================================
// STORAGE INTERFACES
// =============================================================================

type MappingStore interface {
	// GetMapping returns nil when primaryID is not linked.
	GetMapping(ctx context.Context, primaryID string) (*Mapping, error)

	// CreateMapping inserts the link. Storage must enforce one secondary
	// per primary and return *MappingConflictError when it is violated.
	CreateMapping(ctx context.Context, m Mapping) error

	ListMappings(ctx context.Context) ([]Mapping, error)
}

// SubscriptionSource is the read side used by the resolver.
type SubscriptionSource interface {
	// SubscriptionFor returns nil when the presented id has no subscription.
	SubscriptionFor(ctx context.Context, presentedID string) (*Subscription, error)
}

type SubscriptionStore interface {
	SubscriptionSource
	SaveSubscription(ctx context.Context, s Subscription) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

type DiscrepancySink interface {
	ReportDiscrepancy(ctx context.Context, d Discrepancy) error
}

// DiscrepancyStore keeps reported discrepancies until reconciliation sees
// the mapping and hint agree. Reporting an open (presented, mapped, hinted)
// triple again is a no-op; reporting a resolved one reopens it.
type DiscrepancyStore interface {
	DiscrepancySink
	OpenDiscrepancies(ctx context.Context) ([]Discrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id string, at time.Time) error
}

// =============================================================================
// ERRORS
// =============================================================================

var ErrMappingConflict = errors.New("identity mapping conflict")

// MappingConflictError is returned by Link when the primary id is already
// linked to a different secondary id.
type MappingConflictError struct {
	PrimaryID          string
	ExistingSecondary  ledger.AccountID
	RequestedSecondary ledger.AccountID
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("primary %s already linked to %s, cannot link to %s",
		e.PrimaryID, e.ExistingSecondary, e.RequestedSecondary)
}

func (e *MappingConflictError) Unwrap() error {
	return ErrMappingConflict
}
