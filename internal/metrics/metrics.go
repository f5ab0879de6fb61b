package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportTasksTotal counts import tasks by terminal status.
	ImportTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "import_tasks_total",
		Help: "Import tasks finished, partitioned by terminal status.",
	}, []string{"status"})

	// ImportRowsTotal counts processed rows by outcome.
	ImportRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "import_rows_total",
		Help: "Import rows processed, partitioned by outcome.",
	}, []string{"outcome"})

	// ImportDurationSeconds observes wall-clock import duration.
	ImportDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "import_duration_seconds",
		Help:    "Time taken to process an import file end to end.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Webhook deliveries attempted, partitioned by result.",
	}, []string{"event", "result"})

	// WebhookDeliveryDuration observes webhook request round-trip time.
	WebhookDeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Round-trip time of webhook delivery requests.",
		Buckets: prometheus.DefBuckets,
	})
)
