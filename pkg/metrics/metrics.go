// Package metrics exports process-level Prometheus counters and gauges
// for the settlement core. These are pure ambient observability: no
// settlement behavior ever depends on a metric's value, only on the
// ledger/consensus/authority state it mirrors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge this core exports. A zero value is
// unusable; construct with New, which registers every metric against the
// supplied registry.
type Metrics struct {
	LedgerHeight                prometheus.Gauge
	CommittedTransactionsTotal  *prometheus.CounterVec
	ConsensusView               prometheus.Gauge
	ConsensusRoundTimeoutsTotal prometheus.Counter
	WalletOfflineBalanceTotal   prometheus.Gauge
}

// New constructs and registers the settlement core's metrics against reg.
// Passing prometheus.NewRegistry() (rather than the global default
// registry) keeps repeated construction in tests collision-free.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LedgerHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_height",
			Help: "Current height of the settlement ledger.",
		}),
		CommittedTransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "committed_transactions_total",
			Help: "Total transactions committed to the ledger, by kind.",
		}, []string{"kind"}),
		ConsensusView: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_view",
			Help: "Current consensus view number.",
		}),
		ConsensusRoundTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "consensus_round_timeouts_total",
			Help: "Total consensus rounds that timed out and triggered a view change.",
		}),
		WalletOfflineBalanceTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_offline_balance_total",
			Help: "Sum of offline balances across all owner wallets.",
		}),
	}
}

// ObserveCommit updates ledger_height and committed_transactions_total
// after a block commits. Called from the authority's post-commit path.
func (m *Metrics) ObserveCommit(height uint64, kindCounts map[string]int) {
	m.LedgerHeight.Set(float64(height))
	for kind, n := range kindCounts {
		m.CommittedTransactionsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveViewChange updates consensus_view and
// consensus_round_timeouts_total after a round times out. Wired to
// consensus.Config.OnViewChange.
func (m *Metrics) ObserveViewChange(newView uint64) {
	m.ConsensusView.Set(float64(newView))
	m.ConsensusRoundTimeoutsTotal.Inc()
}

// ObserveWalletOfflineBalance sets the aggregate offline balance gauge.
// Callers recompute the sum across all wallets periodically or after
// each settlement cycle; this metric does not track per-wallet state.
func (m *Metrics) ObserveWalletOfflineBalance(total int64) {
	m.WalletOfflineBalanceTotal.Set(float64(total))
}
