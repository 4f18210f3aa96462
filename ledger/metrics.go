package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	Signups        prometheus.Counter
	PunchesAccrued prometheus.Counter
	SpendAccrued   prometheus.Counter
	Redemptions    *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Failures       *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Signups: f.NewCounter(prometheus.CounterOpts{
			Name: "punch_ledger_signups_total",
			Help: "Customers created",
		}),
		PunchesAccrued: f.NewCounter(prometheus.CounterOpts{
			Name: "punch_ledger_punches_accrued_total",
			Help: "Punches granted by accrual transactions",
		}),
		SpendAccrued: f.NewCounter(prometheus.CounterOpts{
			Name: "punch_ledger_spend_accrued_total",
			Help: "Purchase amount recorded by accrual transactions",
		}),
		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "punch_ledger_redemptions_total",
			Help: "Rewards redeemed",
		}, []string{"tier"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "punch_ledger_cas_retries_total",
			Help: "Compare-and-swap conflicts retried",
		}, []string{"op"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "punch_ledger_operation_failures_total",
			Help: "Failed engine operations",
		}, []string{"op", "code"}),
	}
}
