package store

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProductType enumerates the purchasable products.
type ProductType string

const (
	ProductSingleItem          ProductType = "single_item"
	ProductAnnualPass          ProductType = "annual_pass"
	ProductMonthlySubscription ProductType = "monthly_subscription"
)

// IsSubscription reports whether the product renews on a billing period.
func (p ProductType) IsSubscription() bool {
	return p == ProductAnnualPass || p == ProductMonthlySubscription
}

// Valid reports whether p is a known product type.
func (p ProductType) Valid() bool {
	switch p {
	case ProductSingleItem, ProductAnnualPass, ProductMonthlySubscription:
		return true
	default:
		return false
	}
}

// EntitlementStatus represents the lifecycle state of an entitlement.
type EntitlementStatus string

const (
	EntitlementActive   EntitlementStatus = "active"
	EntitlementCanceled EntitlementStatus = "canceled"
	EntitlementExpired  EntitlementStatus = "expired"
)

// Entitlement is a durable record granting an account access to a product.
type Entitlement struct {
	ID                 string            `json:"id"`
	AccountID          string            `json:"account_id"`
	ProductType        ProductType       `json:"product_type"`
	ItemRef            string            `json:"item_ref,omitempty"`
	Status             EntitlementStatus `json:"status"`
	ProviderRef        string            `json:"provider_ref"`
	ProviderCustomerID string            `json:"provider_customer_id"`
	PeriodStart        *time.Time        `json:"period_start,omitempty"`
	PeriodEnd          *time.Time        `json:"period_end,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// AccessibleAt reports whether the entitlement grants access at the given
// instant. Canceled subscriptions keep access through period_end.
func (e *Entitlement) AccessibleAt(now time.Time) bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case EntitlementActive:
		if e.PeriodEnd != nil {
			return now.Before(*e.PeriodEnd)
		}
		return true
	case EntitlementCanceled:
		return e.PeriodEnd != nil && now.Before(*e.PeriodEnd)
	default:
		return false
	}
}

// BillingCustomer maps an account to its one provider customer record.
type BillingCustomer struct {
	AccountID          string    `json:"account_id"`
	ProviderCustomerID string    `json:"provider_customer_id"`
	CreatedAt          time.Time `json:"created_at"`
}

// Session is a per-device concurrency slot held by an account.
type Session struct {
	AccountID    string    `json:"account_id"`
	DeviceToken  string    `json:"device_token"`
	Fingerprint  string    `json:"fingerprint"`
	IP           string    `json:"ip"`
	LastActiveAt time.Time `json:"last_active_at"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewEntitlementID returns a new sortable entitlement row ID.
func NewEntitlementID() string {
	return "ent_" + strings.ToLower(ulid.Make().String())
}

// DayKey formats t as the UTC day bucket used by usage_counters.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
