package automation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes sweep health to Prometheus. One counter pair per sweep,
// labelled by sweep name, plus domain counters for the things the sweeps
// actually move.
type Metrics struct {
	SweepRuns         *prometheus.CounterVec
	SweepFailures     *prometheus.CounterVec
	LastSweepUnixtime *prometheus.GaugeVec
	DepositsMatched   prometheus.Counter
	CustodiesReleased prometheus.Counter
	PayoutsSent       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowflow_sweep_runs_total",
			Help: "Completed automation sweep runs.",
		}, []string{"sweep"}),
		SweepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowflow_sweep_failures_total",
			Help: "Automation sweep runs that returned an error.",
		}, []string{"sweep"}),
		LastSweepUnixtime: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrowflow_sweep_last_run_unixtime",
			Help: "Unix time of the last completed run per sweep.",
		}, []string{"sweep"}),
		DepositsMatched: f.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_deposits_matched_total",
			Help: "Bank deposits matched to pending payments.",
		}),
		CustodiesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_custodies_released_total",
			Help: "Custodies released by the expiry sweep.",
		}),
		PayoutsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "escrowflow_payouts_sent_total",
			Help: "Fiat payouts initiated by the payout sweep.",
		}),
	}
}
