/*
Package credits is the public operation surface of the credit ledger.

PURPOSE:
  Resolves the presented identity, looks up the generation cost and calls the
  ledger primitive. Everything a caller outside this repository does to a
  balance goes through Service.

STATE MACHINE (one operation):
  Requested -> idempotency check -> Already-Applied (return stored tx)
                                  -> New -> Applied
  Requested -> Failed(InsufficientBalance | ConfigError | StorageError)

  A duplicate is an idempotent success: Receipt.AlreadyApplied is set and
  the error is nil. StorageError is safe to retry for the same reason.

CACHING:
  GetBalance may be served from a BalanceCache. Entries carry the id of the
  transaction they were derived from and are dropped after every mutation
  of the account. A read that overlaps a mutation is not cached (see
  BalanceCache.Epoch). Deductions never read the cache.

SEE ALSO:
  - events.go: webhook and pipeline event handling
  - repair.go: entry points used by reconciliation
  - legacy.go: legacy account import
*/
package credits

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/warp/credit-engine/catalog"
	"github.com/warp/credit-engine/identity"
	"github.com/warp/credit-engine/ledger"
)

// Resolver is satisfied by *identity.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, presentedID string) (identity.Resolution, error)
}

// Options are the optional collaborators of a Service.
type Options struct {
	Cache         BalanceCache
	Metrics       *Metrics
	Generations   ledger.GenerationLog
	Subscriptions identity.SubscriptionStore
	Logger        *slog.Logger
}

type Service struct {
	ledger   *ledger.Ledger
	store    ledger.RepairStore
	resolver Resolver
	catalog  *catalog.Catalog

	cache         BalanceCache
	metrics       *Metrics
	generations   ledger.GenerationLog
	subscriptions identity.SubscriptionStore
	logger        *slog.Logger
}

func NewService(store ledger.RepairStore, resolver Resolver, cat *catalog.Catalog, opts Options) *Service {
	if cat == nil {
		cat = catalog.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:        ledger.NewLedger(store),
		store:         store,
		resolver:      resolver,
		catalog:       cat,
		cache:         opts.Cache,
		metrics:       opts.Metrics,
		generations:   opts.Generations,
		subscriptions: opts.Subscriptions,
		logger:        logger.With("component", "credits"),
	}
}

func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Service) Store() ledger.RepairStore {
	return s.store
}

// Receipt is returned by every mutating operation.
type Receipt struct {
	AccountID   ledger.AccountID
	Transaction ledger.Transaction
	Balance     ledger.BalanceView

	// AlreadyApplied is set when the idempotency key was already committed;
	// Transaction is then the original one.
	AlreadyApplied bool
}

// =============================================================================
// OPERATIONS
// =============================================================================

func (s *Service) ResolveIdentity(ctx context.Context, presentedID string) (ledger.AccountID, error) {
	res, err := s.resolver.Resolve(ctx, presentedID)
	if err != nil {
		return "", err
	}
	return res.AccountID, nil
}

// GetBalance reads the account row. An account that does not exist yet has a
// zero balance; reading never creates it.
func (s *Service) GetBalance(ctx context.Context, presentedID string) (ledger.BalanceView, error) {
	account, err := s.ResolveIdentity(ctx, presentedID)
	if err != nil {
		return ledger.BalanceView{}, err
	}
	return s.balanceOf(ctx, account)
}

func (s *Service) balanceOf(ctx context.Context, account ledger.AccountID) (ledger.BalanceView, error) {
	var epoch uint64
	if s.cache != nil {
		if view, ok := s.cache.Get(ctx, account); ok {
			s.metrics.cacheLookup(true)
			return view, nil
		}
		s.metrics.cacheLookup(false)
		epoch = s.cache.Epoch(ctx, account)
	}

	acct, err := s.store.GetAccount(ctx, account)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.BalanceView{AccountID: account}, nil
	}
	if err != nil {
		return ledger.BalanceView{}, err
	}

	view := ledger.ViewOf(acct)
	if s.cache != nil {
		s.cache.Set(ctx, view, epoch)
	}
	return view, nil
}

// AddPoints credits amount to the account resolved from presentedID.
func (s *Service) AddPoints(ctx context.Context, presentedID string, amount ledger.Points, txType ledger.TransactionType, reference string, metadata map[string]string) (Receipt, error) {
	account, err := s.ResolveIdentity(ctx, presentedID)
	if err != nil {
		return Receipt{}, err
	}
	return s.credit(ctx, ledger.Mutation{
		AccountID: account,
		Amount:    amount,
		Type:      txType,
		Reference: reference,
		Metadata:  withPresented(metadata, presentedID, account),
	})
}

// DeductPoints charges the configured cost of generationType.
func (s *Service) DeductPoints(ctx context.Context, presentedID, generationType, reference string, metadata map[string]string) (Receipt, error) {
	cost, err := s.catalog.Cost(generationType)
	if err != nil {
		s.metrics.operation(ledger.TxGenerationDeduction, outcomeConfigError)
		return Receipt{}, err
	}
	account, err := s.ResolveIdentity(ctx, presentedID)
	if err != nil {
		return Receipt{}, err
	}

	md := withPresented(metadata, presentedID, account)
	md[ledger.MetaGenerationType] = generationType
	return s.debit(ctx, ledger.Mutation{
		AccountID: account,
		Amount:    cost,
		Type:      ledger.TxGenerationDeduction,
		Reference: reference,
		Metadata:  md,
	})
}

// =============================================================================
// SHARED MUTATION PATH
// =============================================================================

func (s *Service) credit(ctx context.Context, m ledger.Mutation) (Receipt, error) {
	start := time.Now()
	res, err := s.ledger.AddPoints(ctx, m)
	return s.finish(ctx, m, res, err, start)
}

func (s *Service) debit(ctx context.Context, m ledger.Mutation) (Receipt, error) {
	start := time.Now()

	// deactivated accounts keep receiving grants but cannot spend
	acct, err := s.store.GetAccount(ctx, m.AccountID)
	if err == nil && !acct.IsActive() {
		if existing, ferr := s.store.FindTransaction(ctx, m.Key()); ferr == nil && existing != nil {
			return s.finish(ctx, m, ledger.Result{Transaction: *existing, Account: acct, Duplicate: true},
				&ledger.DuplicateOperationError{Key: m.Key(), ExistingTransactionID: existing.ID}, start)
		}
		s.metrics.operation(m.Type, outcomeRejected)
		return Receipt{AccountID: m.AccountID, Balance: ledger.ViewOf(acct)}, ledger.ErrAccountInactive
	}
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return Receipt{}, err
	}

	res, err := s.ledger.DeductPoints(ctx, m)
	return s.finish(ctx, m, res, err, start)
}

// finish turns a primitive result into a Receipt, folding duplicates into
// success and keeping the cache and metrics in step.
func (s *Service) finish(ctx context.Context, m ledger.Mutation, res ledger.Result, err error, start time.Time) (Receipt, error) {
	s.metrics.observe(m.Type, time.Since(start))

	receipt := Receipt{
		AccountID:   m.AccountID,
		Transaction: res.Transaction,
		Balance:     ledger.ViewOf(res.Account),
	}

	switch {
	case err == nil:
		s.invalidate(ctx, m.AccountID)
		s.metrics.operation(m.Type, outcomeApplied)
		s.metrics.points(res.Transaction.Amount)
		s.logger.Info("ledger mutation applied",
			"account_id", m.AccountID, "type", m.Type, "reference", m.Reference,
			"amount", res.Transaction.Amount, "balance_after", res.Transaction.BalanceAfter)
		return receipt, nil

	case ledger.IsIdempotentSuccess(err):
		receipt.AlreadyApplied = true
		s.metrics.operation(m.Type, outcomeDuplicate)
		s.logger.Info("duplicate delivery ignored",
			"account_id", m.AccountID, "type", m.Type, "reference", m.Reference,
			"transaction_id", res.Transaction.ID)
		return receipt, nil

	case errors.Is(err, ledger.ErrInsufficientBalance):
		s.metrics.operation(m.Type, outcomeInsufficient)
		return receipt, err

	case ledger.IsRetryable(err):
		s.metrics.operation(m.Type, outcomeStorageError)
		s.logger.Error("ledger mutation failed", "account_id", m.AccountID, "type", m.Type,
			"reference", m.Reference, "error", err)
		return Receipt{}, err

	default:
		s.metrics.operation(m.Type, outcomeRejected)
		return Receipt{}, err
	}
}

func (s *Service) invalidate(ctx context.Context, account ledger.AccountID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, account)
	}
}

// withPresented copies metadata and records the presented id when it differs
// from the account.
func withPresented(metadata map[string]string, presentedID string, account ledger.AccountID) map[string]string {
	md := ledger.CopyMetadata(metadata)
	if md == nil {
		md = make(map[string]string, 2)
	}
	if presentedID != string(account) {
		md[ledger.MetaPresentedID] = presentedID
	}
	return md
}
