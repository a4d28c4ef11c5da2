/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs the reconciliation engine so drift is caught without an
  operator. Manual runs from the admin endpoint go through the same
  scheduler, so two passes never overlap.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Scheduled runs use Mode (dry_run unless configured otherwise)
  - A run that would overlap another is refused with ErrRunInProgress
  - Stop cancels the context of an in-flight run; the engine stops between
    accounts and records the run as interrupted

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Mode:     dry_run or apply
  - Enabled:  Whether scheduled runs happen at all

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconciliation endpoint (manual runs)
  - reconcile/engine.go: Engine.Run
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/credit-engine/reconcile"
)

var ErrRunInProgress = errors.New("reconciliation run already in progress")

// ReconciliationScheduler runs the engine on an interval.
type ReconciliationScheduler struct {
	Engine   *reconcile.Engine
	Interval time.Duration
	Mode     reconcile.Mode
	Enabled  bool

	logger  *slog.Logger
	running sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	lastRun time.Time
}

func NewReconciliationScheduler(engine *reconcile.Engine, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Engine:   engine,
		Interval: time.Hour,
		Mode:     reconcile.ModeDryRun,
		Enabled:  true,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.group != nil {
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.group, ctx = errgroup.WithContext(ctx)
	rs.group.Go(func() error {
		rs.loop(ctx)
		return nil
	})
	rs.logger.Info("scheduler started", "interval", rs.Interval, "mode", rs.Mode)
}

// Stop cancels the loop and waits for an in-flight run to return.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	group, cancel := rs.group, rs.cancel
	rs.group, rs.cancel = nil, nil
	rs.mu.Unlock()

	if group == nil {
		return
	}
	cancel()
	_ = group.Wait()
	rs.logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(rs.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := rs.RunNow(ctx, rs.Mode); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					rs.logger.Info("skipping scheduled run, previous run still active")
					continue
				}
				rs.logger.Error("scheduled reconciliation failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one reconciliation pass unless another is running.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, mode reconcile.Mode) (*reconcile.Report, error) {
	if !rs.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer rs.running.Unlock()

	report, err := rs.Engine.Run(ctx, mode)

	rs.mu.Lock()
	rs.lastRun = time.Now()
	rs.mu.Unlock()

	if err == nil && report.HasCritical() {
		rs.logger.Warn("reconciliation found unrepaired critical violations",
			"run_id", report.RunID, "mode", mode, "violations", len(report.Violations))
	}
	return report, err
}

// NextRunTime returns when the next scheduled run will occur.
func (rs *ReconciliationScheduler) NextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun.IsZero() {
		return time.Now().Add(rs.Interval)
	}
	return rs.lastRun.Add(rs.Interval)
}
