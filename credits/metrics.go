package credits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/credit-engine/ledger"
)

const (
	outcomeApplied      = "applied"
	outcomeDuplicate    = "duplicate"
	outcomeInsufficient = "insufficient_balance"
	outcomeConfigError  = "config_error"
	outcomeStorageError = "storage_error"
	outcomeRejected     = "rejected"
)

// Metrics holds the Prometheus collectors for ledger operations and
// reconciliation. A nil *Metrics records nothing.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Points            *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec

	ReconcileRuns     *prometheus.CounterVec
	ReconcileFindings *prometheus.CounterVec
	ReconcileRepairs  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_operations_total",
				Help: "Ledger mutations by transaction type and outcome",
			},
			[]string{"type", "outcome"},
		),
		OperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credits_operation_duration_seconds",
				Help:    "Duration of ledger mutations including storage round trips",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Points: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_points_total",
				Help: "Points moved by applied mutations",
			},
			[]string{"direction"}, // granted, deducted
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_balance_cache_lookups_total",
				Help: "Balance cache lookups by result",
			},
			[]string{"result"}, // hit, miss
		),
		ReconcileRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reconciliation_runs_total",
				Help: "Reconciliation runs by mode and completion",
			},
			[]string{"mode", "status"},
		),
		ReconcileFindings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reconciliation_findings_total",
				Help: "Reconciliation findings by kind and severity",
			},
			[]string{"kind", "severity"},
		),
		ReconcileRepairs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_reconciliation_repairs_total",
				Help: "Repairs applied by reconciliation",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) operation(t ledger.TransactionType, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) observe(t ledger.TransactionType, d time.Duration) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) points(amount ledger.Points) {
	if m == nil || amount == 0 {
		return
	}
	if amount > 0 {
		m.Points.WithLabelValues("granted").Add(float64(amount))
		return
	}
	m.Points.WithLabelValues("deducted").Add(float64(-amount))
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRun is called by reconciliation once per run.
func (m *Metrics) RecordRun(mode string, interrupted bool) {
	if m == nil {
		return
	}
	status := "completed"
	if interrupted {
		status = "interrupted"
	}
	m.ReconcileRuns.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) RecordFinding(kind, severity string) {
	if m == nil {
		return
	}
	m.ReconcileFindings.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) RecordRepair(kind string) {
	if m == nil {
		return
	}
	m.ReconcileRepairs.WithLabelValues(kind).Inc()
}
