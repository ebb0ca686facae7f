// Package metrics holds the relayer's prometheus collectors. They register on
// the default registry and are served on /metrics when monitoring is enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridge"

// Transfer lifecycle.
var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_total",
		Help:      "Transfers that reached a terminal status, by destination action",
	}, []string{"action", "status"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_duration_seconds",
		Help:      "Time from first observation to destination confirmation",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"action"})

	// TransferAmount is in whole tokens of the destination token.
	TransferAmount = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_amount",
		Help:      "Delivered amount in whole tokens",
		Buckets:   prometheus.ExponentialBuckets(0.001, 10, 8),
	}, []string{"action", "token"})

	// Transfers is refreshed by every reconciliation run.
	Transfers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "transfers",
		Help:      "Stored transfers by bridge status",
	}, []string{"status"})
)

// Chain watching and submission.
var (
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "blocks_processed_total",
		Help:      "Blocks scanned by the log poller",
	}, []string{"chain"})

	LastProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "last_processed_block",
		Help:      "Polling cursor per chain",
	}, []string{"chain"})

	EventsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "events_detected_total",
		Help:      "Bridge events decoded from chain logs",
	}, []string{"chain", "event_type"})

	ConnectionLosses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "connection_losses_total",
		Help:      "Dropped event subscriptions",
	}, []string{"chain"})

	TransactionsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "transactions_sent_total",
		Help:      "Destination transactions submitted",
	}, []string{"chain", "status"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "gas_used",
		Help:      "Gas used by confirmed destination transactions",
		Buckets:   []float64{21000, 50000, 100000, 200000, 300000, 500000},
	}, []string{"action"})
)

// Reconciliation and errors.
var (
	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Reconciliation runs by trigger and result",
	}, []string{"trigger", "result"})

	ReconciledTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "transfers_total",
		Help:      "Records visited by reconciliation, by pass and resulting stage",
	}, []string{"pass", "stage"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by component and kind",
	}, []string{"component", "error_type"})
)
