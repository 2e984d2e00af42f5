package enginemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckoutSessionsTotal counts checkout initiations by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "checkout_sessions_total",
		Help:      "Total checkout session initiations by outcome.",
	}, []string{"outcome"})

	// ReconcileTotal counts reconciliation attempts by path and outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "reconcile_total",
		Help:      "Total entitlement reconciliations by path and outcome.",
	}, []string{"path", "outcome"})

	// WebhookRequestsTotal counts provider webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "webhook_requests_total",
		Help:      "Total provider webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks provider webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "webhook_duration_seconds",
		Help:      "Provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SessionsEvictedTotal counts sessions deactivated by the concurrency cap.
	SessionsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "sessions_evicted_total",
		Help:      "Total sessions evicted by the per-account concurrency cap.",
	})

	// QuotaDecisionsTotal counts daily-quota admissions and rejections.
	QuotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "quota_decisions_total",
		Help:      "Total daily usage quota decisions by outcome.",
	}, []string{"outcome"})

	// RateLimitedTotal counts requests rejected by the per-IP rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the per-IP rate limiter, by scope.",
	}, []string{"scope"})

	// AbuseFlagsTotal counts evaluations that flagged an account.
	AbuseFlagsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "selah",
		Subsystem: "engine",
		Name:      "abuse_flags_total",
		Help:      "Total abuse evaluations that flagged an account as suspicious.",
	})
)
