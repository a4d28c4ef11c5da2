package identity

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/warp/credit-engine/ledger"
)

// ============================================================================
// SUPABASE SUBSCRIPTIONS - Read-only hint source
// ============================================================================

// SupabaseSubscriptions reads subscription hints from the payment domain's
// PostgREST table. Only the read side is implemented; the payment domain
// owns the rows.
type SupabaseSubscriptions struct {
	client *supabase.Client
	table  string
}

var _ SubscriptionSource = (*SupabaseSubscriptions)(nil)

type subscriptionRow struct {
	ID                 string `json:"id"`
	UserID             string `json:"user_id"`
	Tier               string `json:"tier"`
	BillingCycleID     string `json:"billing_cycle_id"`
	Status             string `json:"status"`
	CurrentPeriodStart string `json:"current_period_start"`
	CurrentPeriodEnd   string `json:"current_period_end"`
	ResolvedUserID     string `json:"resolved_user_id"`
}

// NewSupabaseSubscriptions connects with a service key. table defaults to
// "subscriptions".
func NewSupabaseSubscriptions(url, key, table string) (*SupabaseSubscriptions, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if table == "" {
		table = "subscriptions"
	}
	return &SupabaseSubscriptions{client: client, table: table}, nil
}

func (s *SupabaseSubscriptions) SubscriptionFor(ctx context.Context, presentedID string) (*Subscription, error) {
	var rows []subscriptionRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("user_id", presentedID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	latest := rows[0].toSubscription()
	for _, row := range rows[1:] {
		if sub := row.toSubscription(); sub.PeriodEnd.After(latest.PeriodEnd) {
			latest = sub
		}
	}
	return &latest, nil
}

func (r subscriptionRow) toSubscription() Subscription {
	start, _ := time.Parse(time.RFC3339, r.CurrentPeriodStart)
	end, _ := time.Parse(time.RFC3339, r.CurrentPeriodEnd)
	return Subscription{
		ID:             r.ID,
		PresentedID:    r.UserID,
		Tier:           r.Tier,
		BillingCycleID: r.BillingCycleID,
		Status:         SubscriptionStatus(r.Status),
		PeriodStart:    start,
		PeriodEnd:      end,
		ResolvedHint:   ledger.AccountID(r.ResolvedUserID),
	}
}
