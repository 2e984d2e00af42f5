package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/selahapp/selah-go/internal/enginemetrics"
	"github.com/selahapp/selah-go/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming payment-provider webhook events.
type WebhookHandler struct {
	secret  string
	service *Service
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a provider webhook HTTP handler.
func NewWebhookHandler(secret string, service *Service) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		service: service,
	}
}

// ServeHTTP verifies the provider signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		enginemetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		enginemetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "missing signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Billing webhook processing failed")
		status = http.StatusInternalServerError
		writeWebhookJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeWebhookJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess WebhookCheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckoutCompleted(ctx, sess)

	case "customer.subscription.updated":
		var sub WebhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionUpdated(ctx, sub)

	case "customer.subscription.deleted":
		var sub WebhookSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.handleSubscriptionDeleted(ctx, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Billing webhook ignored (unhandled type)")
		return nil
	}
}

// handleCheckoutCompleted runs the same reconciliation as the client poll
// path. The signature already authenticates the event, so no caller account
// is enforced.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, sess WebhookCheckoutSession) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("checkout.session.completed without session id")
	}
	if _, err := h.service.Reconcile(ctx, sess.ID, ""); err != nil {
		return fmt.Errorf("reconcile %s: %w", sess.ID, err)
	}
	return nil
}

// handleSubscriptionUpdated syncs status and billing period from a renewal or
// lifecycle change.
func (h *WebhookHandler) handleSubscriptionUpdated(ctx context.Context, sub WebhookSubscription) error {
	ent, err := h.service.store.GetEntitlementByProviderRef(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("lookup entitlement for subscription %s: %w", sub.ID, err)
	}
	if ent == nil {
		// Renewal event arriving before first reconcile, or a subscription
		// this engine never issued. Either way the checkout reconcile owns
		// the initial write.
		log.Info().
			Str("subscription", sub.ID).
			Msg("Subscription update for unknown entitlement ignored")
		return nil
	}

	status := entitlementStatusFor(sub.Status)
	periodStart, periodEnd := sub.Period()
	if periodStart == nil && periodEnd == nil {
		// Payload without period info must not erase the stored one.
		periodStart, periodEnd = ent.PeriodStart, ent.PeriodEnd
	}
	if _, err := h.service.store.SyncEntitlement(ctx, ent.ID, status, periodStart, periodEnd); err != nil {
		return fmt.Errorf("sync entitlement %s: %w", ent.ID, err)
	}
	log.Info().
		Str("accountId", ent.AccountID).
		Str("subscription", sub.ID).
		Str("status", string(status)).
		Msg("Subscription entitlement synced from webhook")
	return nil
}

// handleSubscriptionDeleted marks the entitlement canceled; access drains
// through the already paid period_end.
func (h *WebhookHandler) handleSubscriptionDeleted(ctx context.Context, sub WebhookSubscription) error {
	ent, err := h.service.store.GetEntitlementByProviderRef(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("lookup entitlement for subscription %s: %w", sub.ID, err)
	}
	if ent == nil {
		log.Info().
			Str("subscription", sub.ID).
			Msg("Subscription deletion for unknown entitlement ignored")
		return nil
	}
	if _, err := h.service.store.SyncEntitlement(ctx, ent.ID, store.EntitlementCanceled, ent.PeriodStart, ent.PeriodEnd); err != nil {
		return fmt.Errorf("cancel entitlement %s: %w", ent.ID, err)
	}
	log.Info().
		Str("accountId", ent.AccountID).
		Str("subscription", sub.ID).
		Msg("Subscription entitlement canceled from webhook")
	return nil
}

// WebhookCheckoutSession is a minimal representation of a checkout.session
// event payload.
type WebhookCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// WebhookSubscription is a minimal representation of a subscription event
// payload.
type WebhookSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	// Older API versions carry the period on the subscription, newer ones on
	// the subscription item.
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// Period returns the subscription's current billing period, wherever the
// event payload carries it.
func (s *WebhookSubscription) Period() (start, end *time.Time) {
	startUnix, endUnix := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 || item.CurrentPeriodEnd > 0 {
			startUnix, endUnix = item.CurrentPeriodStart, item.CurrentPeriodEnd
			break
		}
	}
	if startUnix > 0 {
		t := time.Unix(startUnix, 0).UTC()
		start = &t
	}
	if endUnix > 0 {
		t := time.Unix(endUnix, 0).UTC()
		end = &t
	}
	return start, end
}

func writeWebhookJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
