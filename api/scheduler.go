/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs every reconciliation check against the book and records
  the outcome, so drift is noticed within one interval instead of when a
  customer complains.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run is persisted as a ReconciliationRun (ok | mismatch | error)
  - Findings are logged; nothing is ever corrected automatically

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(svc, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - fifo/reconcile.go: Checker
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/fxledger/fifo"
)

// ReconciliationScheduler runs fifo.Service.Reconcile on a ticker.
type ReconciliationScheduler struct {
	Service       *fifo.Service
	Runs          fifo.RunStore
	CheckInterval time.Duration
	Enabled       bool

	log    logrus.FieldLogger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler. runs may be nil.
func NewReconciliationScheduler(svc *fifo.Service, runs fifo.RunStore, log logrus.FieldLogger) *ReconciliationScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReconciliationScheduler{
		Service:       svc,
		Runs:          runs,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		log:           log.WithField("component", "scheduler"),
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.log.WithField("interval", rs.CheckInterval).Info("started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info("stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow reconciles once and records the run.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) fifo.ReconciliationRun {
	run := fifo.ReconciliationRun{ID: fifo.NewID(), StartedAt: rs.now().UTC()}
	log := rs.log.WithField("run_id", run.ID)

	report, err := rs.Service.Reconcile(ctx)
	run.CompletedAt = rs.now().UTC()
	switch {
	case err != nil:
		run.Status = fifo.RunError
		run.Error = err.Error()
		log.WithError(err).Error("reconciliation failed")
	case !report.OK():
		run.Status = fifo.RunMismatch
		run.Mismatches = len(report.Mismatches)
		log.WithField("mismatches", run.Mismatches).Warn("book does not reconcile")
	default:
		run.Status = fifo.RunOK
		log.WithFields(logrus.Fields{
			"lots":     report.Lots,
			"sales":    report.Sales,
			"accounts": report.Accounts,
		}).Info("book reconciled")
	}

	if rs.Runs != nil {
		if err := rs.Runs.SaveReconciliationRun(ctx, run); err != nil {
			log.WithError(err).Error("failed to save run record")
		}
	}
	return run
}
