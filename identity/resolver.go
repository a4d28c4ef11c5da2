package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/ledger"
)

// Resolver turns a presented id into the canonical ledger account id.
// Safe for concurrent use; it holds no state beyond its stores.
type Resolver struct {
	mappings MappingStore
	subs     SubscriptionSource
	sink     DiscrepancySink
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver builds a resolver. subs and sink may be nil.
func NewResolver(mappings MappingStore, subs SubscriptionSource, sink DiscrepancySink, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		mappings: mappings,
		subs:     subs,
		sink:     sink,
		logger:   logger.With("component", "identity"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve applies mapping -> subscription hint -> self. It never writes a
// mapping. A storage failure is returned as *ledger.StorageError rather than
// silently falling through to the next rule, since falling through would
// route the caller to a different ledger.
func (r *Resolver) Resolve(ctx context.Context, presentedID string) (Resolution, error) {
	presentedID = strings.TrimSpace(presentedID)
	if presentedID == "" {
		return Resolution{}, ledger.ErrIdentityNotResolved
	}

	mapping, err := r.mappings.GetMapping(ctx, presentedID)
	if err != nil {
		return Resolution{}, ledger.WrapStorage("get mapping", err)
	}

	var sub *Subscription
	if r.subs != nil {
		sub, err = r.subs.SubscriptionFor(ctx, presentedID)
		if err != nil {
			return Resolution{}, ledger.WrapStorage("get subscription", err)
		}
	}

	if mapping != nil {
		if sub != nil && sub.ResolvedHint != "" && sub.ResolvedHint != mapping.SecondaryID {
			r.reportDiscrepancy(ctx, presentedID, mapping.SecondaryID, sub.ResolvedHint)
		}
		return Resolution{PresentedID: presentedID, AccountID: mapping.SecondaryID, Source: SourceMapping}, nil
	}

	if sub != nil && sub.ResolvedHint != "" {
		return Resolution{PresentedID: presentedID, AccountID: sub.ResolvedHint, Source: SourceSubscription}, nil
	}

	return Resolution{PresentedID: presentedID, AccountID: ledger.AccountID(presentedID), Source: SourceSelf}, nil
}

// reportDiscrepancy must not fail the read.
func (r *Resolver) reportDiscrepancy(ctx context.Context, presentedID string, mapped, hinted ledger.AccountID) {
	r.logger.Warn("mapping and subscription hint disagree",
		"presented_id", presentedID, "mapped_id", mapped, "hinted_id", hinted)
	if r.sink == nil {
		return
	}
	d := Discrepancy{
		ID:          uuid.NewString(),
		PresentedID: presentedID,
		MappedID:    mapped,
		HintedID:    hinted,
		ObservedAt:  r.now(),
	}
	if err := r.sink.ReportDiscrepancy(ctx, d); err != nil {
		r.logger.Error("failed to record discrepancy", "presented_id", presentedID, "error", err)
	}
}

// Link creates primary -> secondary. Linking the same pair again returns the
// existing mapping.
func (r *Resolver) Link(ctx context.Context, primaryID string, secondaryID ledger.AccountID) (Mapping, error) {
	primaryID = strings.TrimSpace(primaryID)
	secondaryID = ledger.AccountID(strings.TrimSpace(string(secondaryID)))
	if primaryID == "" || secondaryID == "" {
		return Mapping{}, fmt.Errorf("%w: primary and secondary ids are required", ledger.ErrInvalidMutation)
	}
	if primaryID == string(secondaryID) {
		return Mapping{}, fmt.Errorf("%w: cannot link %s to itself", ledger.ErrInvalidMutation, primaryID)
	}

	if existing, err := r.existing(ctx, primaryID, secondaryID); err != nil || existing != nil {
		if existing != nil {
			return *existing, nil
		}
		return Mapping{}, err
	}

	// the canonical side must not itself be a legacy id, or resolution
	// would have to chase chains
	chained, err := r.mappings.GetMapping(ctx, string(secondaryID))
	if err != nil {
		return Mapping{}, ledger.WrapStorage("get mapping", err)
	}
	if chained != nil {
		return Mapping{}, fmt.Errorf("%w: %s is already a primary id linked to %s",
			ledger.ErrInvalidMutation, secondaryID, chained.SecondaryID)
	}

	m := Mapping{PrimaryID: primaryID, SecondaryID: secondaryID, CreatedAt: r.now()}
	if err := r.mappings.CreateMapping(ctx, m); err != nil {
		if errors.Is(err, ErrMappingConflict) {
			// lost a race; same pair is still success
			if existing, rerr := r.existing(ctx, primaryID, secondaryID); rerr == nil && existing != nil {
				return *existing, nil
			}
			return Mapping{}, err
		}
		return Mapping{}, ledger.WrapStorage("create mapping", err)
	}

	r.logger.Info("identity linked", "primary_id", primaryID, "secondary_id", secondaryID)
	return m, nil
}

// existing returns the mapping when it already links the same pair, a
// conflict error when it links elsewhere, and (nil, nil) when absent.
func (r *Resolver) existing(ctx context.Context, primaryID string, secondaryID ledger.AccountID) (*Mapping, error) {
	current, err := r.mappings.GetMapping(ctx, primaryID)
	if err != nil {
		return nil, ledger.WrapStorage("get mapping", err)
	}
	if current == nil {
		return nil, nil
	}
	if current.SecondaryID == secondaryID {
		return current, nil
	}
	return nil, &MappingConflictError{
		PrimaryID:          primaryID,
		ExistingSecondary:  current.SecondaryID,
		RequestedSecondary: secondaryID,
	}
}
