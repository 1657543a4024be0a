// Package cpmetrics holds the Prometheus collectors of the seat control plane.
package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of organization subscriptions in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "subscriptions_by_status",
		Help:      "Number of organization subscriptions by status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileOutcomesTotal counts reconciled events by type and ledger outcome.
	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "reconcile_outcomes_total",
		Help:      "Reconciled Stripe events by event type and outcome (applied, dropped, ignored, duplicate).",
	}, []string{"event_type", "outcome"})

	// SeatChangesTotal counts seat change requests by path and outcome.
	SeatChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "seat_changes_total",
		Help:      "Seat change requests by path (checkout, update) and outcome.",
	}, []string{"path", "outcome"})

	// CapacityRejectionsTotal counts capacity invariant rejections by source.
	CapacityRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "capacity_rejections_total",
		Help:      "Seat reductions and admissions refused by the capacity check.",
	}, []string{"source"})

	// ProcessorCallDuration tracks outbound Stripe API latency.
	ProcessorCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "processor_call_duration_seconds",
		Help:      "Outbound Stripe API call duration in seconds by operation and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	// SeatLimitBelowActiveTotal counts reconciled seat limits that left an
	// organization with more active members than seats.
	SeatLimitBelowActiveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "seat_limit_below_active_total",
		Help:      "Reconciled seat limits lower than the active member count.",
	})

	// HTTPRequestsTotal counts API requests by route pattern, method and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "http_requests_total",
		Help:      "API requests by route pattern, method and status.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "http_request_duration_seconds",
		Help:      "API request duration in seconds by route pattern.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// RateLimitedTotal counts requests refused by the per-IP limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seatledger",
		Subsystem: "cp",
		Name:      "rate_limited_total",
		Help:      "Requests refused by the per-IP rate limiter.",
	}, []string{"route"})
)
