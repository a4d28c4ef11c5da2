/*
balance.go - Balance derived from the transaction log

PURPOSE:
  The account row is the fast path; the log is the authority. Totals replays
  a log so reconciliation can compare the two and so repairs recompute the
  row from remaining deltas instead of from assumptions.

RULES:
  - only Applied transactions count
  - positive deltas add to earned, negative deltas add to spent
  - balance = earned - spent

SEE ALSO:
  - reconcile/checks.go: ledger drift check
  - store/sqldb/ledger.go: CollapseGrants recompute
*/
package ledger

// Totals is the balance implied by a transaction log.
type Totals struct {
	Balance        Points
	LifetimeEarned Points
	LifetimeSpent  Points
	Applied        int
	AuditOnly      int
}

// ComputeTotals replays txs.
func ComputeTotals(txs []Transaction) Totals {
	var t Totals
	for _, tx := range txs {
		if !tx.Applied {
			t.AuditOnly++
			continue
		}
		t.Applied++
		if tx.Amount >= 0 {
			t.LifetimeEarned += tx.Amount
		} else {
			t.LifetimeSpent += -tx.Amount
		}
	}
	t.Balance = t.LifetimeEarned - t.LifetimeSpent
	return t
}

// Matches reports whether the account row agrees with the totals.
func (t Totals) Matches(a Account) bool {
	return t.Balance == a.Balance &&
		t.LifetimeEarned == a.LifetimeEarned &&
		t.LifetimeSpent == a.LifetimeSpent
}

// BalanceView is the read model returned to callers of getBalance.
type BalanceView struct {
	AccountID      AccountID
	Balance        Points
	LifetimeEarned Points
	LifetimeSpent  Points
	Tier           string

	// TransactionID tags the view with the mutation it was derived from.
	TransactionID TransactionID
}

// ViewOf builds a BalanceView from an account row.
func ViewOf(a Account) BalanceView {
	return BalanceView{
		AccountID:      a.ID,
		Balance:        a.Balance,
		LifetimeEarned: a.LifetimeEarned,
		LifetimeSpent:  a.LifetimeSpent,
		Tier:           a.Tier,
		TransactionID:  a.LastTransactionID,
	}
}
