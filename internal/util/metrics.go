package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"from", "to"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order status transitions",
	}, []string{"reason"})

	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkout attempts by outcome",
	}, []string{"outcome"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Total number of applied stock movements",
	}, []string{"type"})

	StockMovementsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_rejected_total",
		Help: "Total number of rejected stock movements",
	}, []string{"reason"})

	StockCASRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_cas_retries_total",
		Help: "Total number of stock writes retried after a version conflict",
	})

	StockLevelAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_level_alerts_total",
		Help: "Total number of low or out of stock alerts raised",
	}, []string{"status"})

	TrackingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_events_total",
		Help: "Total number of recorded tracking events",
	}, []string{"source"})

	DeliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Total number of recorded delivery attempts",
	}, []string{"status"})

	DeliveryEscalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_escalations_total",
		Help: "Total number of orders moved to delivery_failed by the attempt policy",
	})

	TransitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_transition_latency_seconds",
		Help:    "Latency of order transitions including stock side effects",
		Buckets: prometheus.DefBuckets,
	})

	TimelineCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeline_cache_lookups_total",
		Help: "Timeline cache lookups by result",
	}, []string{"result"})

	TimelineCacheWritesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeline_cache_writes_skipped_total",
		Help: "Timeline projections not cached because the order changed while they were computed",
	})

	ConsumerRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kafka_consumer_retries_total",
		Help: "Handler retries of a consumed message by topic",
	}, []string{"topic"})

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
