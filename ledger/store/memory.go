// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes all writes behind one mutex, which trivially makes every
// account linearizable. Production uses store/sqldb.
type Memory struct {
	mu          sync.RWMutex
	accounts    map[ledger.AccountID]ledger.Account
	txs         map[ledger.AccountID][]ledger.Transaction
	keys        map[ledger.IdempotencyKey]ledger.TransactionID
	generations map[string]ledger.GenerationRecord

	Now func() time.Time
}

var (
	_ ledger.RepairStore   = (*Memory)(nil)
	_ ledger.Importer      = (*Memory)(nil)
	_ ledger.GenerationLog = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		txs:         make(map[ledger.AccountID][]ledger.Transaction),
		keys:        make(map[ledger.IdempotencyKey]ledger.TransactionID),
		generations: make(map[string]ledger.GenerationRecord),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// AddPoints credits the account. Idempotent on the mutation key.
func (m *Memory) AddPoints(_ context.Context, mut ledger.Mutation) (ledger.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, err := m.duplicateLocked(mut.Key()); err != nil {
		return res, err
	}

	acct := m.accountLocked(mut.AccountID)
	acct.Balance += mut.Amount
	acct.LifetimeEarned += mut.Amount
	return m.commitLocked(acct, mut, mut.Amount), nil
}

// DeductPoints debits the account if the balance covers the amount.
func (m *Memory) DeductPoints(_ context.Context, mut ledger.Mutation) (ledger.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, err := m.duplicateLocked(mut.Key()); err != nil {
		return res, err
	}

	acct := m.accountLocked(mut.AccountID)
	if acct.Balance < mut.Amount {
		// the account row may have been created by this call; that is the
		// "first deduction attempt" lifecycle and is kept
		m.accounts[acct.ID] = acct
		return ledger.Result{Account: acct}, ledger.NewInsufficientBalance(acct.ID, acct.Balance, mut.Amount)
	}
	acct.Balance -= mut.Amount
	acct.LifetimeSpent += mut.Amount
	return m.commitLocked(acct, mut, -mut.Amount), nil
}

// duplicateLocked returns a *DuplicateOperationError when key is committed.
func (m *Memory) duplicateLocked(key ledger.IdempotencyKey) (ledger.Result, error) {
	id, ok := m.keys[key]
	if !ok {
		return ledger.Result{}, nil
	}
	tx, _ := m.findLocked(key.AccountID, id)
	res := ledger.Result{Transaction: tx, Account: m.accounts[key.AccountID], Duplicate: true}
	return res, &ledger.DuplicateOperationError{Key: key, ExistingTransactionID: id}
}

func (m *Memory) accountLocked(id ledger.AccountID) ledger.Account {
	if acct, ok := m.accounts[id]; ok {
		return acct
	}
	now := m.Now()
	return ledger.Account{ID: id, Status: ledger.StatusActive, CreatedAt: now, UpdatedAt: now}
}

func (m *Memory) commitLocked(acct ledger.Account, mut ledger.Mutation, delta ledger.Points) ledger.Result {
	tx := ledger.Transaction{
		ID:           ledger.TransactionID(uuid.NewString()),
		AccountID:    acct.ID,
		Amount:       delta,
		BalanceAfter: acct.Balance,
		Type:         mut.Type,
		Reference:    mut.Reference,
		Metadata:     ledger.CopyMetadata(mut.Metadata),
		Applied:      true,
		CreatedAt:    m.Now(),
	}
	acct.LastTransactionID = tx.ID
	acct.UpdatedAt = tx.CreatedAt
	m.accounts[acct.ID] = acct
	m.appendLocked(tx)
	return ledger.Result{Transaction: tx, Account: acct}
}

func (m *Memory) appendLocked(tx ledger.Transaction) {
	m.txs[tx.AccountID] = append(m.txs[tx.AccountID], tx)
	m.keys[tx.Key()] = tx.ID
}

func (m *Memory) findLocked(account ledger.AccountID, id ledger.TransactionID) (ledger.Transaction, bool) {
	for _, tx := range m.txs[account] {
		if tx.ID == id {
			return tx, true
		}
	}
	return ledger.Transaction{}, false
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.AccountID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Transaction, len(m.txs[id]))
	copy(result, m.txs[id])
	return result, nil
}

func (m *Memory) FindTransaction(_ context.Context, key ledger.IdempotencyKey) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	if !ok {
		return nil, nil
	}
	tx, _ := m.findLocked(key.AccountID, id)
	return &tx, nil
}

func (m *Memory) SetTier(_ context.Context, id ledger.AccountID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accountLocked(id)
	acct.Tier = tier
	acct.UpdatedAt = m.Now()
	m.accounts[id] = acct
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.accountLocked(id)
	acct.Status = status
	acct.UpdatedAt = m.Now()
	m.accounts[id] = acct
	return nil
}

// =============================================================================
// REPAIR PRIMITIVES
// =============================================================================

func (m *Memory) CollapseGrants(_ context.Context, req ledger.CollapseRequest) (ledger.CollapseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[req.AccountID]
	if !ok {
		return ledger.CollapseResult{}, ledger.ErrAccountNotFound
	}
	if _, ok := m.findLocked(req.AccountID, req.Keep); !ok {
		return ledger.CollapseResult{}, ledger.ErrInvalidMutation
	}
	if _, exists := m.keys[req.Audit.Key()]; exists {
		return ledger.CollapseResult{}, &ledger.DuplicateOperationError{Key: req.Audit.Key(), ExistingTransactionID: m.keys[req.Audit.Key()]}
	}

	remove := make(map[ledger.TransactionID]bool, len(req.Remove))
	for _, id := range req.Remove {
		if id == req.Keep {
			return ledger.CollapseResult{}, ledger.ErrInvalidMutation
		}
		remove[id] = true
	}

	var removed ledger.Points
	kept := m.txs[req.AccountID][:0:0]
	for _, tx := range m.txs[req.AccountID] {
		if remove[tx.ID] {
			if tx.Type != ledger.TxSubscriptionGrant {
				return ledger.CollapseResult{}, ledger.ErrInvalidMutation
			}
			removed += tx.Amount
			delete(remove, tx.ID)
			continue
		}
		kept = append(kept, tx)
	}
	if len(remove) > 0 {
		return ledger.CollapseResult{}, ledger.ErrInvalidMutation
	}
	totals := ledger.ComputeTotals(kept)
	if totals.Balance < 0 {
		return ledger.CollapseResult{}, ledger.ErrInvalidMutation
	}
	for _, tx := range m.txs[req.AccountID] {
		if !containsTx(kept, tx.ID) {
			delete(m.keys, tx.Key())
		}
	}

	audit := req.Audit
	audit.ID = ledger.TransactionID(uuid.NewString())
	audit.AccountID = req.AccountID
	audit.Applied = false
	audit.BalanceAfter = totals.Balance
	audit.Metadata = ledger.CopyMetadata(audit.Metadata)
	audit.CreatedAt = m.Now()

	m.txs[req.AccountID] = kept
	m.appendLocked(audit)

	acct.Balance = totals.Balance
	acct.LifetimeEarned = totals.LifetimeEarned
	acct.LifetimeSpent = totals.LifetimeSpent
	acct.LastTransactionID = audit.ID
	acct.UpdatedAt = audit.CreatedAt
	m.accounts[acct.ID] = acct

	return ledger.CollapseResult{Account: acct, Audit: audit, Removed: removed}, nil
}

func containsTx(txs []ledger.Transaction, id ledger.TransactionID) bool {
	for _, tx := range txs {
		if tx.ID == id {
			return true
		}
	}
	return false
}

func (m *Memory) RecordAudit(_ context.Context, tx ledger.Transaction) (ledger.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, err := m.duplicateLocked(tx.Key()); err != nil {
		return res, err
	}
	acct, ok := m.accounts[tx.AccountID]
	if !ok {
		return ledger.Result{}, ledger.ErrAccountNotFound
	}
	tx.ID = ledger.TransactionID(uuid.NewString())
	tx.Applied = false
	tx.BalanceAfter = acct.Balance
	tx.Metadata = ledger.CopyMetadata(tx.Metadata)
	tx.CreatedAt = m.Now()
	m.appendLocked(tx)
	return ledger.Result{Transaction: tx, Account: acct}, nil
}

// ImportAccount writes a migrated account verbatim with its opening log.
func (m *Memory) ImportAccount(_ context.Context, acct ledger.Account, opening []ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acct.ID]; exists {
		return &ledger.DuplicateOperationError{Key: ledger.IdempotencyKey{AccountID: acct.ID, Type: ledger.TxAdminAdjustment, Reference: "legacy-import"}}
	}
	for _, tx := range opening {
		if _, exists := m.keys[tx.Key()]; exists {
			return &ledger.DuplicateOperationError{Key: tx.Key(), ExistingTransactionID: m.keys[tx.Key()]}
		}
	}
	now := m.Now()
	if acct.Status == "" {
		acct.Status = ledger.StatusActive
	}
	acct.CreatedAt, acct.UpdatedAt = now, now
	for _, tx := range opening {
		tx.ID = ledger.TransactionID(uuid.NewString())
		tx.AccountID = acct.ID
		tx.Metadata = ledger.CopyMetadata(tx.Metadata)
		tx.CreatedAt = now
		m.appendLocked(tx)
		acct.LastTransactionID = tx.ID
	}
	m.accounts[acct.ID] = acct
	return nil
}

// =============================================================================
// GENERATION LOG
// =============================================================================

func (m *Memory) RecordGeneration(_ context.Context, rec ledger.GenerationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = m.Now()
	}
	m.generations[rec.TaskReference] = rec
	return nil
}

func (m *Memory) GetGeneration(_ context.Context, taskReference string) (*ledger.GenerationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.generations[taskReference]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) ListGenerations(_ context.Context, status ledger.GenerationStatus) ([]ledger.GenerationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.GenerationRecord
	for _, rec := range m.generations {
		if status == "" || rec.Status == status {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TaskReference < result[j].TaskReference })
	return result, nil
}
