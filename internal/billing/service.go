package billing

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/selahapp/selah-go/internal/enginemetrics"
	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

// Metadata keys stamped onto every checkout session so reconciliation can
// recover the purchase intent from the provider's authoritative record.
const (
	metaAccountID   = "account_id"
	metaProductType = "product_type"
	metaItemRef     = "item_ref"
)

// txnPlaceholder is substituted by the provider with the session ID on the
// success redirect; the client hands it straight back for reconciliation.
const txnPlaceholder = "{CHECKOUT_SESSION_ID}"

// PriceTable maps product types to provider price IDs.
type PriceTable struct {
	SingleItem          string
	AnnualPass          string
	MonthlySubscription string
}

// PriceFor returns the price ID for a product, or "" if unconfigured.
func (t PriceTable) PriceFor(p store.ProductType) string {
	switch p {
	case store.ProductSingleItem:
		return t.SingleItem
	case store.ProductAnnualPass:
		return t.AnnualPass
	case store.ProductMonthlySubscription:
		return t.MonthlySubscription
	default:
		return ""
	}
}

// Service owns the payment lifecycle: checkout initiation, reconciliation of
// provider transactions into entitlements, and cancellation.
type Service struct {
	store    *store.Store
	provider Provider
	prices   PriceTable

	// collapses concurrent first-purchase customer creation per account
	customerFlight singleflight.Group

	now func() time.Time
}

// NewService creates the billing service.
func NewService(st *store.Store, provider Provider, prices PriceTable) *Service {
	return &Service{
		store:    st,
		provider: provider,
		prices:   prices,
		now:      time.Now,
	}
}

// CheckoutIntent is what the client needs to hand control to the provider's
// hosted payment page.
type CheckoutIntent struct {
	TransactionRef string `json:"transaction_ref"`
	RedirectURL    string `json:"redirect_url"`
}

// CreateCheckout validates the purchase request, ensures a provider customer
// exists for the account, and opens a hosted checkout session. No local
// financial state is written here; the entitlement appears only after
// reconciliation confirms payment.
func (s *Service) CreateCheckout(ctx context.Context, accountID string, product store.ProductType, itemRef, returnURL string) (*CheckoutIntent, error) {
	if !product.Valid() {
		return nil, fault.Newf(fault.ValidationError, "unknown product type %q", product)
	}
	if product == store.ProductSingleItem {
		if strings.TrimSpace(itemRef) == "" {
			return nil, fault.New(fault.ValidationError, "single_item purchase requires item_ref")
		}
	} else if itemRef != "" {
		return nil, fault.Newf(fault.ValidationError, "item_ref is not valid for product %q", product)
	}
	if err := validateReturnURL(returnURL); err != nil {
		return nil, err
	}
	priceID := s.prices.PriceFor(product)
	if priceID == "" {
		return nil, fault.Newf(fault.ValidationError, "product %q is not available for purchase", product)
	}

	if product == store.ProductSingleItem {
		existing, err := s.store.GetSingleItemEntitlement(ctx, accountID, itemRef)
		if err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, "duplicate purchase check", err)
		}
		if existing != nil {
			return nil, fault.Newf(fault.ValidationError, "item %q already purchased", itemRef)
		}
	}

	customerID, err := s.ensureCustomer(ctx, accountID)
	if err != nil {
		enginemetrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	sess, err := s.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:   customerID,
		PriceID:      priceID,
		SuccessURL:   successURL(returnURL),
		CancelURL:    returnURL,
		Subscription: product.IsSubscription(),
		Metadata: map[string]string{
			metaAccountID:   accountID,
			metaProductType: string(product),
			metaItemRef:     itemRef,
		},
	})
	if err != nil {
		enginemetrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	enginemetrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	log.Info().
		Str("accountId", accountID).
		Str("product", string(product)).
		Str("transactionRef", sess.ID).
		Msg("Checkout session created")

	return &CheckoutIntent{TransactionRef: sess.ID, RedirectURL: sess.URL}, nil
}

// ensureCustomer returns the account's provider customer ID, creating one on
// first purchase. Concurrent callers for the same account collapse into one
// provider call, and the store keeps the first writer's ID if a race slips
// through anyway.
func (s *Service) ensureCustomer(ctx context.Context, accountID string) (string, error) {
	existing, err := s.store.GetBillingCustomer(ctx, accountID)
	if err != nil {
		return "", fault.Wrap(fault.StoreUnavailable, "billing customer lookup", err)
	}
	if existing != nil {
		return existing.ProviderCustomerID, nil
	}

	v, err, _ := s.customerFlight.Do(accountID, func() (any, error) {
		customerID, err := s.provider.CreateCustomer(ctx, accountID)
		if err != nil {
			return nil, err
		}
		stored, err := s.store.EnsureBillingCustomer(ctx, accountID, customerID)
		if err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, "persist billing customer", err)
		}
		if stored.ProviderCustomerID != customerID {
			log.Warn().
				Str("accountId", accountID).
				Str("kept", stored.ProviderCustomerID).
				Str("discarded", customerID).
				Msg("Concurrent customer creation raced; keeping first writer")
		}
		return stored.ProviderCustomerID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Reconcile fetches the authoritative transaction state from the provider and
// materializes the entitlement it paid for. callerAccount is the
// authenticated account on the client poll path and "" on the webhook path,
// where the provider's signature already vouches for the event.
//
// Reconcile is idempotent: replaying a transaction that already produced its
// entitlement is a successful no-op.
func (s *Service) Reconcile(ctx context.Context, txnRef, callerAccount string) (*store.Entitlement, error) {
	path := "poll"
	if callerAccount == "" {
		path = "webhook"
	}

	ent, err := s.reconcile(ctx, txnRef, callerAccount)
	if err != nil {
		enginemetrics.ReconcileTotal.WithLabelValues(path, "error").Inc()
		return nil, err
	}
	enginemetrics.ReconcileTotal.WithLabelValues(path, "ok").Inc()
	return ent, nil
}

func (s *Service) reconcile(ctx context.Context, txnRef, callerAccount string) (*store.Entitlement, error) {
	if !IsSafeProviderID(txnRef) {
		return nil, fault.Newf(fault.ValidationError, "invalid transaction reference")
	}

	sess, err := s.provider.GetCheckoutSession(ctx, txnRef)
	if err != nil {
		return nil, err
	}
	if !sess.Paid() {
		return nil, fault.Newf(fault.PaymentIncomplete,
			"transaction %s is not paid (status=%s, payment=%s)", txnRef, sess.Status, sess.PaymentStatus)
	}

	accountID := strings.TrimSpace(sess.Metadata[metaAccountID])
	if accountID == "" {
		return nil, fault.Newf(fault.IntegrityViolation, "transaction %s carries no account metadata", txnRef)
	}
	if callerAccount != "" && callerAccount != accountID {
		log.Error().
			Str("transactionRef", txnRef).
			Str("caller", callerAccount).
			Str("owner", accountID).
			Msg("Reconcile attempted against another account's transaction")
		return nil, fault.New(fault.AccountMismatch, "transaction belongs to a different account")
	}

	product := store.ProductType(sess.Metadata[metaProductType])
	if !product.Valid() {
		return nil, fault.Newf(fault.IntegrityViolation, "transaction %s carries unknown product %q", txnRef, sess.Metadata[metaProductType])
	}

	if product.IsSubscription() {
		return s.reconcileSubscription(ctx, sess, accountID, product)
	}
	return s.reconcileSingleItem(ctx, sess, accountID)
}

func (s *Service) reconcileSubscription(ctx context.Context, sess *CheckoutSession, accountID string, product store.ProductType) (*store.Entitlement, error) {
	if sess.SubscriptionID == "" {
		return nil, fault.Newf(fault.IntegrityViolation, "paid subscription transaction %s has no subscription", sess.ID)
	}
	sub, err := s.provider.GetSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		return nil, err
	}

	ent := &store.Entitlement{
		ID:                 store.NewEntitlementID(),
		AccountID:          accountID,
		ProductType:        product,
		Status:             entitlementStatusFor(sub.Status),
		ProviderRef:        sub.ID,
		ProviderCustomerID: sess.CustomerID,
	}
	if !sub.PeriodStart.IsZero() {
		start := sub.PeriodStart
		ent.PeriodStart = &start
	}
	if !sub.PeriodEnd.IsZero() {
		end := sub.PeriodEnd
		ent.PeriodEnd = &end
	}
	if err := s.store.UpsertSubscriptionEntitlement(ctx, ent); err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "persist subscription entitlement", err)
	}

	out, err := s.store.GetSubscriptionEntitlement(ctx, accountID, product)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "reload subscription entitlement", err)
	}
	log.Info().
		Str("accountId", accountID).
		Str("product", string(product)).
		Str("subscription", sub.ID).
		Time("periodEnd", sub.PeriodEnd).
		Msg("Subscription entitlement reconciled")
	return out, nil
}

func (s *Service) reconcileSingleItem(ctx context.Context, sess *CheckoutSession, accountID string) (*store.Entitlement, error) {
	itemRef := strings.TrimSpace(sess.Metadata[metaItemRef])
	if itemRef == "" {
		return nil, fault.Newf(fault.IntegrityViolation, "paid single_item transaction %s has no item_ref", sess.ID)
	}

	ent := &store.Entitlement{
		ID:                 store.NewEntitlementID(),
		AccountID:          accountID,
		ProductType:        store.ProductSingleItem,
		ItemRef:            itemRef,
		Status:             store.EntitlementActive,
		ProviderRef:        sess.ID,
		ProviderCustomerID: sess.CustomerID,
	}
	inserted, err := s.store.InsertSingleItemEntitlement(ctx, ent)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "persist single-item entitlement", err)
	}
	if !inserted {
		// Replay of an already reconciled transaction. Succeed without
		// writing, but keep the signal visible.
		log.Warn().
			Str("accountId", accountID).
			Str("itemRef", itemRef).
			Str("transactionRef", sess.ID).
			Msg("Single-item reconcile replay; entitlement already exists")
	} else {
		log.Info().
			Str("accountId", accountID).
			Str("itemRef", itemRef).
			Str("transactionRef", sess.ID).
			Msg("Single-item entitlement reconciled")
	}

	out, err := s.store.GetSingleItemEntitlement(ctx, accountID, itemRef)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "reload single-item entitlement", err)
	}
	if out == nil {
		return nil, fault.Newf(fault.IntegrityViolation, "single-item entitlement vanished after reconcile")
	}
	return out, nil
}

// Cancel cancels the account's subscription at period end. Access persists
// through the already paid period; the provider is told first so a transient
// provider failure leaves local state untouched and the request retryable.
func (s *Service) Cancel(ctx context.Context, accountID string, product store.ProductType) (*store.Entitlement, error) {
	if !product.IsSubscription() {
		return nil, fault.Newf(fault.ValidationError, "product %q is not cancellable", product)
	}
	ent, err := s.store.GetSubscriptionEntitlement(ctx, accountID, product)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "subscription lookup", err)
	}
	if ent == nil || ent.Status != store.EntitlementActive {
		return nil, fault.Newf(fault.ValidationError, "no active %s subscription", product)
	}

	if err := s.provider.CancelSubscription(ctx, ent.ProviderRef, true); err != nil {
		return nil, err
	}

	out, err := s.store.CancelEntitlement(ctx, accountID, product)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "record cancellation", err)
	}
	if out == nil {
		// Webhook beat us to it; reload whatever state stands now.
		out, err = s.store.GetSubscriptionEntitlement(ctx, accountID, product)
		if err != nil {
			return nil, fault.Wrap(fault.StoreUnavailable, "reload after cancellation", err)
		}
	}
	log.Info().
		Str("accountId", accountID).
		Str("product", string(product)).
		Msg("Subscription canceled at period end")
	return out, nil
}

// Entitlements lists the account's entitlement rows.
func (s *Service) Entitlements(ctx context.Context, accountID string) ([]*store.Entitlement, error) {
	ents, err := s.store.ListEntitlements(ctx, accountID)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "list entitlements", err)
	}
	return ents, nil
}

// HasAccess reports whether the account currently holds access to a product.
// For single_item products itemRef selects the purchase.
func (s *Service) HasAccess(ctx context.Context, accountID string, product store.ProductType, itemRef string) (bool, error) {
	var (
		ent *store.Entitlement
		err error
	)
	if product == store.ProductSingleItem {
		ent, err = s.store.GetSingleItemEntitlement(ctx, accountID, itemRef)
	} else {
		ent, err = s.store.GetSubscriptionEntitlement(ctx, accountID, product)
	}
	if err != nil {
		return false, fault.Wrap(fault.StoreUnavailable, "entitlement lookup", err)
	}
	return ent.AccessibleAt(s.now()), nil
}

// entitlementStatusFor maps a provider subscription status onto the local
// lifecycle. Unknown states fail closed.
func entitlementStatusFor(providerStatus string) store.EntitlementStatus {
	switch providerStatus {
	case "active", "trialing", "past_due":
		return store.EntitlementActive
	case "canceled":
		return store.EntitlementCanceled
	default:
		return store.EntitlementExpired
	}
}

func successURL(returnURL string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + "txn=" + txnPlaceholder
}

func validateReturnURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fault.New(fault.ValidationError, "return_url must be an absolute URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fault.Newf(fault.ValidationError, "return_url scheme %q is not allowed", u.Scheme)
	}
	return nil
}
