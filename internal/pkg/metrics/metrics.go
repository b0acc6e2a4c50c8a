// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_ingested_total",
			Help: "Total number of paid orders ingested into the status store",
		},
		[]string{"result"}, // result: success, error
	)

	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_updates_total",
			Help: "Total number of order status update requests",
		},
		[]string{"status", "result"}, // result: success, not_found, rejected, error
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_status_notification_failures_total",
			Help: "Status changes that were stored but whose notification could not be published",
		},
	)

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_status_consumer_messages_total",
			Help: "Inbound messages handled by the paid order consumer",
		},
		[]string{"topic", "outcome"}, // outcome: ingested, malformed, dead_lettered, retried, dlt_retried
	)

	SkippedRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_status_skipped_records_total",
			Help: "Order records skipped while listing because they could not be decoded",
		},
	)

	StoreOperationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_status_store_operation_seconds",
			Help:    "Latency of order store operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
		[]string{"operation", "result"}, // operation: get, set, keys
	)
)
