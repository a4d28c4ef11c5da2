package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/ledger"
)

// Memory implements MappingStore, SubscriptionStore and DiscrepancyStore
// (for testing/dev).
type Memory struct {
	mu            sync.RWMutex
	mappings      map[string]Mapping
	subs          map[string]Subscription
	discrepancies map[discrepancyKey]Discrepancy
}

type discrepancyKey struct {
	presented string
	mapped    ledger.AccountID
	hinted    ledger.AccountID
}

var (
	_ MappingStore      = (*Memory)(nil)
	_ SubscriptionStore = (*Memory)(nil)
	_ DiscrepancyStore  = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		mappings:      make(map[string]Mapping),
		subs:          make(map[string]Subscription),
		discrepancies: make(map[discrepancyKey]Discrepancy),
	}
}

func (m *Memory) GetMapping(_ context.Context, primaryID string) (*Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.mappings[primaryID]
	if !ok {
		return nil, nil
	}
	return &mapping, nil
}

func (m *Memory) CreateMapping(_ context.Context, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.mappings[mapping.PrimaryID]; ok {
		return &MappingConflictError{
			PrimaryID:          mapping.PrimaryID,
			ExistingSecondary:  existing.SecondaryID,
			RequestedSecondary: mapping.SecondaryID,
		}
	}
	m.mappings[mapping.PrimaryID] = mapping
	return nil
}

func (m *Memory) ListMappings(_ context.Context) ([]Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Mapping, 0, len(m.mappings))
	for _, mapping := range m.mappings {
		result = append(result, mapping)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PrimaryID < result[j].PrimaryID })
	return result, nil
}

func (m *Memory) SubscriptionFor(_ context.Context, presentedID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[presentedID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// SaveSubscription upserts by PresentedID.
func (m *Memory) SaveSubscription(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.PresentedID] = sub
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PresentedID < result[j].PresentedID })
	return result, nil
}

func (m *Memory) ReportDiscrepancy(_ context.Context, d Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	key := discrepancyKey{presented: d.PresentedID, mapped: d.MappedID, hinted: d.HintedID}
	existing, ok := m.discrepancies[key]
	switch {
	case !ok:
		d.ResolvedAt = time.Time{}
		m.discrepancies[key] = d
	case !existing.ResolvedAt.IsZero():
		existing.ResolvedAt = time.Time{}
		existing.ObservedAt = d.ObservedAt
		m.discrepancies[key] = existing
	}
	return nil
}

func (m *Memory) OpenDiscrepancies(_ context.Context) ([]Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Discrepancy, 0, len(m.discrepancies))
	for _, d := range m.discrepancies {
		if d.ResolvedAt.IsZero() {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PresentedID < result[j].PresentedID })
	return result, nil
}

func (m *Memory) ResolveDiscrepancy(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, d := range m.discrepancies {
		if d.ID == id && d.ResolvedAt.IsZero() {
			d.ResolvedAt = at
			m.discrepancies[key] = d
		}
	}
	return nil
}
