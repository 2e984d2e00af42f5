package engine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/selahapp/selah-go/internal/authn"
	"github.com/selahapp/selah-go/internal/billing"
	"github.com/selahapp/selah-go/internal/session"
	"github.com/selahapp/selah-go/internal/store"
	"github.com/selahapp/selah-go/internal/usage"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *store.Store
	Verifier *authn.Verifier
	Billing  *billing.Service
	Webhook  *billing.WebhookHandler
	Sessions *session.Registry
	Abuse    *session.AbuseDetector
	Usage    *usage.Ledger
	Version  string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	apiLimiter := NewRateLimiter("api", 240, time.Minute)
	checkoutLimiter := NewRateLimiter("checkout", 30, time.Minute)

	auth := func(h http.HandlerFunc) http.Handler {
		return withRequestLogging(apiLimiter.Middleware(requireAuth(deps.Verifier, h)))
	}
	checkoutAuth := func(h http.HandlerFunc) http.Handler {
		return withRequestLogging(checkoutLimiter.Middleware(requireAuth(deps.Verifier, h)))
	}
	adminAuth := func(h http.Handler) http.Handler {
		return withRequestLogging(requireAdminKey(deps.Config.AdminKey, h))
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", deps.handleHealthz)
	mux.HandleFunc("/readyz", deps.handleReadyz)

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Payment provider webhook (signature-authenticated).
	webhookLimiter := NewRateLimiter("webhook", 120, time.Minute)
	mux.Handle("/api/billing/webhook", webhookLimiter.Middleware(deps.Webhook))

	// Purchase lifecycle (bearer-authenticated). Checkout initiation is on a
	// tighter budget than the rest of the API: each call opens a hosted
	// provider session.
	mux.Handle("/api/checkout", checkoutAuth(deps.handleCreateCheckout))
	mux.Handle("/api/checkout/reconcile", auth(deps.handleReconcile))
	mux.Handle("/api/subscription/cancel", auth(deps.handleCancelSubscription))
	mux.Handle("/api/entitlements", auth(deps.handleListEntitlements))

	// Session lifecycle (bearer-authenticated).
	mux.Handle("/api/session/heartbeat", auth(deps.handleHeartbeat))
	mux.Handle("/api/session", auth(deps.handleSignOut))

	// Metered usage (bearer-authenticated).
	mux.Handle("/api/usage/explain", auth(deps.handleUsageExplain))

	// Abuse evaluation (operator-only).
	mux.Handle("/api/abuse/{account}", adminAuth(http.HandlerFunc(deps.handleAbuseReport)))
}
