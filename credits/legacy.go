package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// LEGACY IMPORT - Accounts from the legacy auth system's balance table
// =============================================================================

// LegacyAccount is one row of the legacy export. The legacy system stored
// balances as decimals.
type LegacyAccount struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"balance"`
	LifetimeEarned decimal.Decimal `json:"lifetime_earned"`
	LifetimeSpent  decimal.Decimal `json:"lifetime_spent"`
	Tier           string          `json:"tier"`
}

type ImportSummary struct {
	Imported int
	Skipped  []string          // already present
	Failed   map[string]string // user id -> reason
}

// Opening transaction references.
const (
	LegacyEarnedReference = "legacy-import:earned"
	LegacySpentReference  = "legacy-import:spent"
)

// legacyEpsilon is the rounding drift tolerated between the imported balance
// and earned - spent.
const legacyEpsilon = 1

// ImportLegacyAccounts resolves each legacy user and writes its account with
// opening admin_adjustment transactions that carry the lifetime totals.
// Values are rounded half-up to whole points.
func (s *Service) ImportLegacyAccounts(ctx context.Context, rows []LegacyAccount) (ImportSummary, error) {
	importer, ok := s.store.(ledger.Importer)
	if !ok {
		return ImportSummary{}, fmt.Errorf("store does not support legacy import")
	}

	summary := ImportSummary{Failed: make(map[string]string)}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		account, err := s.ResolveIdentity(ctx, row.UserID)
		if err != nil {
			summary.Failed[row.UserID] = err.Error()
			continue
		}
		acct, opening, err := legacyOpening(account, row)
		if err != nil {
			summary.Failed[row.UserID] = err.Error()
			continue
		}

		err = importer.ImportAccount(ctx, acct, opening)
		switch {
		case err == nil:
			summary.Imported++
			s.invalidate(ctx, account)
		case errors.Is(err, ledger.ErrDuplicateOperation):
			summary.Skipped = append(summary.Skipped, row.UserID)
		case ledger.IsRetryable(err):
			return summary, err
		default:
			summary.Failed[row.UserID] = err.Error()
		}
	}

	s.logger.Info("legacy import finished", "imported", summary.Imported,
		"skipped", len(summary.Skipped), "failed", len(summary.Failed))
	return summary, nil
}

func legacyOpening(account ledger.AccountID, row LegacyAccount) (ledger.Account, []ledger.Transaction, error) {
	balance := roundPoints(row.Balance)
	earned := roundPoints(row.LifetimeEarned)
	spent := roundPoints(row.LifetimeSpent)

	if balance < 0 || earned < 0 || spent < 0 {
		return ledger.Account{}, nil, fmt.Errorf("negative legacy values")
	}
	if drift := balance - (earned - spent); drift > legacyEpsilon || drift < -legacyEpsilon {
		return ledger.Account{}, nil, fmt.Errorf("legacy balance %d disagrees with earned %d - spent %d", balance, earned, spent)
	}

	acct := ledger.Account{
		ID:             account,
		Balance:        balance,
		LifetimeEarned: earned,
		LifetimeSpent:  spent,
		Tier:           row.Tier,
		Status:         ledger.StatusActive,
	}

	md := map[string]string{ledger.MetaReason: "legacy import"}
	if row.UserID != string(account) {
		md[ledger.MetaPresentedID] = row.UserID
	}

	var opening []ledger.Transaction
	if earned > 0 {
		opening = append(opening, ledger.Transaction{
			Amount:       earned,
			BalanceAfter: earned,
			Type:         ledger.TxAdminAdjustment,
			Reference:    LegacyEarnedReference,
			Metadata:     ledger.CopyMetadata(md),
			Applied:      true,
		})
	}
	if spent > 0 {
		opening = append(opening, ledger.Transaction{
			Amount:       -spent,
			BalanceAfter: earned - spent,
			Type:         ledger.TxAdminAdjustment,
			Reference:    LegacySpentReference,
			Metadata:     ledger.CopyMetadata(md),
			Applied:      true,
		})
	}
	return acct, opening, nil
}

func roundPoints(d decimal.Decimal) ledger.Points {
	return ledger.Points(d.Round(0).IntPart())
}
