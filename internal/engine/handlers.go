package engine

import (
	"net/http"
	"strings"
	"time"

	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

type checkoutRequest struct {
	ProductType string `json:"product_type"`
	ItemRef     string `json:"item_ref,omitempty"`
	ReturnURL   string `json:"return_url"`
}

// handleCreateCheckout opens a hosted checkout session for the caller.
func (d *Deps) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	var req checkoutRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	intent, err := d.Billing.CreateCheckout(r.Context(), id.AccountID, store.ProductType(req.ProductType), req.ItemRef, req.ReturnURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type reconcileRequest struct {
	TransactionRef string `json:"transaction_ref"`
}

// handleReconcile is the client-poll reconciliation path. The caller account
// must own the transaction.
func (d *Deps) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	var req reconcileRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ent, err := d.Billing.Reconcile(r.Context(), strings.TrimSpace(req.TransactionRef), id.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

type cancelRequest struct {
	ProductType string `json:"product_type"`
}

// handleCancelSubscription cancels the caller's subscription at period end.
func (d *Deps) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	var req cancelRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ent, err := d.Billing.Cancel(r.Context(), id.AccountID, store.ProductType(req.ProductType))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

type entitlementView struct {
	*store.Entitlement
	Accessible bool `json:"accessible"`
}

// handleListEntitlements returns the caller's entitlements with a live access
// flag for each.
func (d *Deps) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	ents, err := d.Billing.Entitlements(r.Context(), id.AccountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := time.Now()
	views := make([]entitlementView, 0, len(ents))
	for _, e := range ents {
		views = append(views, entitlementView{Entitlement: e, Accessible: e.AccessibleAt(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlements": views})
}

type heartbeatRequest struct {
	DeviceToken string `json:"device_token"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// handleHeartbeat records device activity and enforces the session cap. An
// evicted caller gets a 200 with evicted=true, not an error.
func (d *Deps) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	var req heartbeatRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := d.Sessions.Heartbeat(r.Context(), id.AccountID, req.DeviceToken, req.Fingerprint, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type signOutRequest struct {
	DeviceToken string `json:"device_token"`
}

// handleSignOut releases the device's session slot.
func (d *Deps) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	var req signOutRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := d.Sessions.SignOut(r.Context(), id.AccountID, req.DeviceToken); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"signed_out": true})
}

// handleUsageExplain meters one explain request against the caller's daily
// quota. Exhausted quota is a 200 with admitted=false.
func (d *Deps) handleUsageExplain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, r, fault.New(fault.Unauthenticated, "authentication required"))
		return
	}

	decision, err := d.Usage.CheckAndRecord(r.Context(), id.AccountID, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleAbuseReport evaluates an account's abuse window. Operator-only.
func (d *Deps) handleAbuseReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	accountID := strings.TrimSpace(r.PathValue("account"))
	if accountID == "" {
		writeError(w, r, fault.New(fault.ValidationError, "account is required"))
		return
	}

	report, err := d.Abuse.Evaluate(r.Context(), accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleHealthz is a liveness probe.
func (d *Deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": d.Version})
}

// handleReadyz reports readiness once the store answers.
func (d *Deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ping(r.Context()); err != nil {
		writeError(w, r, fault.Wrap(fault.StoreUnavailable, "store not ready", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
