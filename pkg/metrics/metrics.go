package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by route and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dca_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CycleExecutionsTotal counts pipeline outcomes by status and error code
	CycleExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_cycle_executions_total",
			Help: "Total number of order cycle executions",
		},
		[]string{"status", "code"},
	)

	OrdersTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_order_transitions_total",
			Help: "Order status transitions",
		},
		[]string{"from", "to"},
	)

	SchedulerTicksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dca_scheduler_ticks_total",
			Help: "Total number of scheduler sweeps",
		},
	)

	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dca_scheduler_tick_duration_seconds",
			Help:    "Duration of a scheduler sweep",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	SchedulerDueOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dca_scheduler_due_orders",
			Help: "Due orders found by the last sweep",
		},
	)

	// DatabaseConnectionsGauge tracks pool usage
	DatabaseConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dca_database_connections",
			Help: "Database connection pool state",
		},
		[]string{"state"},
	)

	// IdempotencyOutcomes counts replayed, stored and rejected keyed requests
	IdempotencyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dca_idempotency_requests_total",
			Help: "Requests carrying an Idempotency-Key by outcome",
		},
		[]string{"outcome"},
	)
)
