/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Periodically replays every customer's ledger and checks it against the
  stored counters (ledger.Engine.Audit). Inconsistencies are logged at Error
  and exported as a gauge so they can alert.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A failed audit for one customer does not stop the pass

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(engine, logger, registry)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/ledger.go: Replay and Audit
  - handlers.go: AuditCustomer endpoint (single customer, on demand)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/punch-ledger/ledger"
	"go.uber.org/zap"
)

// AuditSummary is the outcome of one audit pass.
type AuditSummary struct {
	StartedAt    time.Time
	Checked      int
	Inconsistent []ledger.CustomerID
	Failed       int
}

// AuditScheduler audits all customer ledgers on an interval.
type AuditScheduler struct {
	Engine        *ledger.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	inconsistent prometheus.Gauge
	runs         *prometheus.CounterVec

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   AuditSummary
}

// NewAuditScheduler creates a new scheduler. Metrics go to reg.
func NewAuditScheduler(engine *ledger.Engine, logger *zap.Logger, reg prometheus.Registerer) *AuditScheduler {
	f := promauto.With(reg)
	return &AuditScheduler{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		inconsistent: f.NewGauge(prometheus.GaugeOpts{
			Name: "punch_ledger_audit_inconsistent_customers",
			Help: "Customers whose counters disagreed with their ledger in the last audit.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "punch_ledger_audit_runs_total",
			Help: "Completed audit passes by result.",
		}, []string{"result"}),
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled || as.CheckInterval <= 0 {
		as.Logger.Info("audit scheduler disabled")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.Logger.Info("audit scheduler started", zap.Duration("interval", as.CheckInterval))
}

// Stop stops the scheduler and waits for a running pass to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	if as.ticker == nil {
		as.mu.Unlock()
		return
	}
	as.ticker.Stop()
	close(as.stop)
	as.ticker = nil
	as.mu.Unlock()

	as.wg.Wait()
	as.Logger.Info("audit scheduler stopped")
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			as.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow audits every customer once and returns the summary.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditSummary {
	summary := AuditSummary{StartedAt: time.Now().UTC(), Inconsistent: []ledger.CustomerID{}}

	views, err := as.Engine.ListCustomers(ctx)
	if err != nil {
		as.Logger.Error("audit: failed to list customers", zap.Error(err))
		as.runs.WithLabelValues("error").Inc()
		return summary
	}

	for _, v := range views {
		report, err := as.Engine.Audit(ctx, v.Customer.ID)
		if err != nil {
			summary.Failed++
			as.Logger.Warn("audit: customer failed",
				zap.String("customer_id", string(v.Customer.ID)), zap.Error(err))
			continue
		}
		summary.Checked++
		if !report.Consistent {
			summary.Inconsistent = append(summary.Inconsistent, v.Customer.ID)
		}
	}

	as.inconsistent.Set(float64(len(summary.Inconsistent)))
	result := "ok"
	if len(summary.Inconsistent) > 0 {
		result = "inconsistent"
	}
	as.runs.WithLabelValues(result).Inc()

	as.Logger.Info("audit completed",
		zap.Int("checked", summary.Checked),
		zap.Int("inconsistent", len(summary.Inconsistent)),
		zap.Int("failed", summary.Failed))

	as.mu.Lock()
	as.last = summary
	as.mu.Unlock()
	return summary
}

// LastRun returns the most recent summary.
func (as *AuditScheduler) LastRun() AuditSummary {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last
}
