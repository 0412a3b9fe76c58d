package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DueSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystream_settlement_due_signals_total",
			Help: "Total number of due signals emitted",
		},
		[]string{"source"}, // trigger, admin
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystream_settlement_settlements_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"mode", "status"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paystream_settlement_settlement_duration_seconds",
			Help:    "Duration of end-to-end settlement attempts",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
	)

	ProofReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paystream_settlement_proof_replays_total",
			Help: "Total number of rejected proof replay attempts",
		},
	)

	DepositedAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paystream_settlement_deposited_units_total",
			Help: "Total deposited amount in smallest currency units",
		},
	)

	ReleasedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystream_settlement_released_units_total",
			Help: "Total released amount in smallest currency units",
		},
		[]string{"mode"},
	)

	// ReconciliationDriftTotal counts the deliberate best-effort gaps:
	// vault->schedule sync failures, confirm-paid failures after release, and
	// outbound transfers that failed after state was committed. Operators
	// alert on this to detect drift between PaidFlag and lastPaidTimestamp.
	ReconciliationDriftTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystream_settlement_reconciliation_drift_total",
			Help: "Total number of best-effort cross-component calls that failed after commit",
		},
		[]string{"kind"},
	)
)
