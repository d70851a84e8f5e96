package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WalletsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallets_opened_total",
		Help: "Total number of escrow wallets opened",
	})

	WalletMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_mutations_total",
		Help: "Total number of journaled wallet mutations",
	}, []string{"kind"})

	WalletMutationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_mutations_failed_total",
		Help: "Total number of failed wallet mutations",
	}, []string{"reason"})

	WalletsDisputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallets_disputed_total",
		Help: "Total number of wallets frozen for dispute",
	})

	CancellationsRequestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cancellations_requested_total",
		Help: "Total number of cancellation settlements requested",
	}, []string{"tier"})

	RefundsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refunds_completed_total",
		Help: "Total number of completed refunds",
	})

	RefundsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_failed_total",
		Help: "Total number of refund attempts that did not complete",
	}, []string{"reason"})

	RefundProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refund_processing_latency_seconds",
		Help:    "Latency of refund execution including the external call",
		Buckets: prometheus.DefBuckets,
	})

	OverridesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refund_overrides_total",
		Help: "Total number of admin refund overrides",
	})

	FulfillmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillments_created_total",
		Help: "Total number of shipment batches created",
	})

	FulfillmentsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillments_delivered_total",
		Help: "Total number of fully delivered shipment batches",
	})

	ReconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_sweeps_total",
		Help: "Total number of stuck-refund reconciliation sweeps",
	})

	ReconcileRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_recovered_total",
		Help: "Total number of stuck refunds recovered by reconciliation",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
