package reconcile

import (
	"context"
	"sort"
	"sync"
)

// MemoryRuns keeps run history in process. Used by tests and by creditctl
// when no database is configured.
type MemoryRuns struct {
	mu      sync.Mutex
	runs    []RunSummary
	reports map[string]*Report
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{reports: make(map[string]*Report)}
}

func (m *MemoryRuns) SaveRun(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r.Summary())
	m.reports[r.RunID] = r
	return nil
}

func (m *MemoryRuns) ListRuns(_ context.Context, limit int) ([]RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// newest first, insertion order breaks ties
	out := make([]RunSummary, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		out = append(out, m.runs[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Report returns a saved report by run id.
func (m *MemoryRuns) Report(runID string) (*Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[runID]
	return r, ok
}
