package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartQuotesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_quotes_total",
		Help: "Total number of cart totals computed for quotes",
	})

	CouponValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_validations_total",
		Help: "Coupon validation outcomes",
	}, []string{"result"})

	CouponRedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_redemptions_total",
		Help: "Coupon usage increments by outcome",
	}, []string{"result"})

	CouponCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_cache_lookups_total",
		Help: "Coupon cache lookups by outcome",
	}, []string{"result"})

	OrdersPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders placed",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	PaymentsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_confirmed_total",
		Help: "Total number of payments confirmed for pending orders",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Committed order status transitions",
	}, []string{"from", "to"})

	OrderTransitionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_rejected_total",
		Help: "Order status transitions rejected by the transition table",
	}, []string{"from", "to"})

	StockRestoredUnitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_restored_units_total",
		Help: "Units returned to stock by cancellations",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notification dispatch outcomes",
	}, []string{"kind", "result"})

	TransitionCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_transition_commit_latency_seconds",
		Help:    "Latency of the transactional phase of a status transition",
		Buckets: prometheus.DefBuckets,
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
