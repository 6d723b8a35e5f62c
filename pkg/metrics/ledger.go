package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 账本业务指标
var (
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposits_total",
		Help:      "Observed inbound transactions by outcome.",
	}, []string{"asset", "outcome"}) // outcome: credited/unmatched/below_minimum/ambiguous/failed_tx

	ScanErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_errors_total",
		Help:      "Reconciler errors by stage.",
	}, []string{"stage"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_round_duration_seconds",
		Help:      "Duration of one reconciliation round.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Internal transfers by mode and resulting status.",
	}, []string{"mode", "status"})

	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawals_total",
		Help:      "Withdrawals by asset and final status.",
	}, []string{"asset", "status"})

	WithdrawalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "withdrawals_pending_stale",
		Help:      "Withdrawals stuck in pending beyond the stale threshold.",
	})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmations_total",
		Help:      "Confirmation step outcomes.",
	}, []string{"kind", "result"})
)
