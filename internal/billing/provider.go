// Package billing converts Stripe's authoritative payment state into durable
// local entitlements: checkout initiation, dual-path reconciliation, and
// cancellation.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripesub "github.com/stripe/stripe-go/v82/subscription"

	"github.com/selahapp/selah-go/internal/fault"
)

// providerCallTimeout bounds every outbound provider call.
const providerCallTimeout = 15 * time.Second

// CheckoutParams describes a checkout session to create.
type CheckoutParams struct {
	CustomerID   string
	PriceID      string
	SuccessURL   string
	CancelURL    string
	Subscription bool
	Metadata     map[string]string
}

// CheckoutSession is the provider's view of one transaction.
type CheckoutSession struct {
	ID             string
	URL            string
	CustomerID     string
	SubscriptionID string
	Status         string // open, complete, expired
	PaymentStatus  string // paid, unpaid, no_payment_required
	Metadata       map[string]string
}

// Paid reports whether the session represents a settled payment.
func (s *CheckoutSession) Paid() bool {
	if s == nil {
		return false
	}
	return s.Status == string(stripe.CheckoutSessionStatusComplete) &&
		(s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusPaid) ||
			s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired))
}

// SubscriptionInfo is the provider's view of a subscription's billing period.
type SubscriptionInfo struct {
	ID                string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// Provider is the payment-provider surface this engine depends on. The real
// implementation talks to Stripe; tests substitute a fake.
type Provider interface {
	CreateCustomer(ctx context.Context, accountID string) (customerID string, err error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*SubscriptionInfo, error)
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) error
}

// StripeProvider implements Provider against the Stripe API. The stripe-go
// package functions are injectable so tests can run without network access.
type StripeProvider struct {
	newCustomer func(params *stripe.CustomerParams) (*stripe.Customer, error)
	newSession  func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession  func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSub      func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSub   func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSub   func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

// NewStripeProvider creates a StripeProvider. apiKey configures the global
// stripe-go client key.
func NewStripeProvider(apiKey string) *StripeProvider {
	stripe.Key = strings.TrimSpace(apiKey)
	return &StripeProvider{
		newCustomer: stripecustomer.New,
		newSession:  stripesession.New,
		getSession:  stripesession.Get,
		getSub:      stripesub.Get,
		updateSub:   stripesub.Update,
		cancelSub:   stripesub.Cancel,
	}
}

// CreateCustomer creates the one provider customer record for an account.
func (p *StripeProvider) CreateCustomer(ctx context.Context, accountID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	params := &stripe.CustomerParams{
		Metadata: map[string]string{"account_id": accountID},
	}
	params.Context = ctx

	cust, err := p.newCustomer(params)
	if err != nil {
		return "", mapProviderError("create customer", err)
	}
	if cust == nil || strings.TrimSpace(cust.ID) == "" {
		return "", fault.New(fault.ProviderUnavailable, "provider returned empty customer")
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a hosted checkout session and returns the
// redirect target. The financial commit happens on the provider's side only.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	mode := stripe.CheckoutSessionModePayment
	if cp.Subscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(mode)),
		Customer:   stripe.String(cp.CustomerID),
		SuccessURL: stripe.String(cp.SuccessURL),
		CancelURL:  stripe.String(cp.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(cp.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: cp.Metadata,
	}
	params.Context = ctx

	sess, err := p.newSession(params)
	if err != nil {
		return nil, mapProviderError("create checkout session", err)
	}
	if sess == nil || strings.TrimSpace(sess.URL) == "" {
		return nil, fault.New(fault.ProviderUnavailable, "provider returned empty checkout session")
	}
	return fromStripeSession(sess), nil
}

// GetCheckoutSession retrieves the authoritative transaction state.
func (p *StripeProvider) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.getSession(id, params)
	if err != nil {
		return nil, mapProviderError("retrieve checkout session", err)
	}
	if sess == nil {
		return nil, fault.Newf(fault.ValidationError, "unknown transaction %q", id)
	}
	return fromStripeSession(sess), nil
}

// GetSubscription retrieves the authoritative current billing period.
func (p *StripeProvider) GetSubscription(ctx context.Context, id string) (*SubscriptionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := p.getSub(id, params)
	if err != nil {
		return nil, mapProviderError("retrieve subscription", err)
	}
	if sub == nil {
		return nil, fault.Newf(fault.ValidationError, "unknown subscription %q", id)
	}
	return fromStripeSubscription(sub), nil
}

// CancelSubscription cancels a subscription, either at period end or now.
func (p *StripeProvider) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) error {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()

	if atPeriodEnd {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		if _, err := p.updateSub(id, params); err != nil {
			return mapProviderError("cancel subscription at period end", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.cancelSub(id, params); err != nil {
		return mapProviderError("cancel subscription", err)
	}
	return nil
}

func fromStripeSession(sess *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:            sess.ID,
		URL:           sess.URL,
		Status:        string(sess.Status),
		PaymentStatus: string(sess.PaymentStatus),
		Metadata:      sess.Metadata,
	}
	if sess.Customer != nil {
		out.CustomerID = sess.Customer.ID
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
	}
	return out
}

func fromStripeSubscription(sub *stripe.Subscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	// The billing period lives on the subscription item.
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			info.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			info.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return info
}

// mapProviderError translates Stripe failures into the engine's taxonomy.
// Raw provider error bodies stay internal; callers only see the kind.
func mapProviderError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == 404:
			return fault.Wrap(fault.ValidationError, op+": resource not found", err)
		case stripeErr.HTTPStatusCode == 401 || stripeErr.HTTPStatusCode == 403:
			return fault.Wrap(fault.ProviderUnavailable, op+": provider rejected credentials", err)
		case stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429:
			return fault.Wrap(fault.ProviderUnavailable, op, err)
		default:
			return fault.Wrap(fault.ValidationError, op, err)
		}
	}
	// Timeouts, connection resets, and cancellations are transient.
	return fault.Wrap(fault.ProviderUnavailable, op, err)
}

// IsSafeProviderID validates that a provider reference (cs_..., sub_...,
// cus_...) is safe to use as a lookup key.
func IsSafeProviderID(id string) bool {
	if len(id) < 5 || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
