package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

// fakeProvider implements Provider in memory.
type fakeProvider struct {
	mu sync.Mutex

	sessions map[string]*CheckoutSession
	subs     map[string]*SubscriptionInfo

	customersCreated int
	canceled         []string

	createCustomerErr error
	cancelErr         error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: make(map[string]*CheckoutSession),
		subs:     make(map[string]*SubscriptionInfo),
	}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCustomerErr != nil {
		return "", f.createCustomerErr
	}
	f.customersCreated++
	return "cus_" + accountID, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "cs_test_1"
	sess := &CheckoutSession{
		ID:         id,
		URL:        "https://pay.example.com/" + id,
		CustomerID: params.CustomerID,
		Status:     "open",
		Metadata:   params.Metadata,
	}
	f.sessions[id] = sess
	return sess, nil
}

func (f *fakeProvider) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fault.Newf(fault.ValidationError, "unknown transaction %q", id)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, id string) (*SubscriptionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, fault.Newf(fault.ValidationError, "unknown subscription %q", id)
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	return nil
}

// paidSession registers a settled checkout session on the fake provider.
func (f *fakeProvider) paidSession(id, accountID string, product store.ProductType, itemRef, subscriptionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &CheckoutSession{
		ID:             id,
		CustomerID:     "cus_" + accountID,
		SubscriptionID: subscriptionID,
		Status:         "complete",
		PaymentStatus:  "paid",
		Metadata: map[string]string{
			metaAccountID:   accountID,
			metaProductType: string(product),
			metaItemRef:     itemRef,
		},
	}
}

func newTestService(t *testing.T) (*Service, *fakeProvider, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	provider := newFakeProvider()
	svc := NewService(st, provider, PriceTable{
		SingleItem:          "price_item",
		AnnualPass:          "price_annual",
		MonthlySubscription: "price_monthly",
	})
	return svc, provider, st
}

func TestCreateCheckoutStampsMetadataAndCustomer(t *testing.T) {
	svc, provider, _ := newTestService(t)
	ctx := context.Background()

	intent, err := svc.CreateCheckout(ctx, "acct_1", store.ProductSingleItem, "psalm-23", "https://app.example.com/done")
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if intent.RedirectURL == "" || intent.TransactionRef == "" {
		t.Fatalf("incomplete intent: %+v", intent)
	}

	sess := provider.sessions[intent.TransactionRef]
	if sess.Metadata[metaAccountID] != "acct_1" {
		t.Errorf("account metadata = %q", sess.Metadata[metaAccountID])
	}
	if sess.Metadata[metaProductType] != "single_item" || sess.Metadata[metaItemRef] != "psalm-23" {
		t.Errorf("product metadata = %v", sess.Metadata)
	}
	if provider.customersCreated != 1 {
		t.Errorf("customersCreated = %d, want 1", provider.customersCreated)
	}

	// Second checkout reuses the stored customer mapping.
	provider.paidSession("cs_other", "acct_1", store.ProductAnnualPass, "", "sub_1")
	if _, err := svc.CreateCheckout(ctx, "acct_1", store.ProductAnnualPass, "", "https://app.example.com/done"); err != nil {
		t.Fatalf("second CreateCheckout: %v", err)
	}
	if provider.customersCreated != 1 {
		t.Errorf("customersCreated after second checkout = %d, want 1", provider.customersCreated)
	}
}

func TestCreateCheckoutValidation(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		product   store.ProductType
		itemRef   string
		returnURL string
	}{
		{"unknown product", "lifetime", "", "https://app.example.com/done"},
		{"single item without item_ref", store.ProductSingleItem, "", "https://app.example.com/done"},
		{"subscription with item_ref", store.ProductAnnualPass, "psalm-23", "https://app.example.com/done"},
		{"relative return url", store.ProductSingleItem, "psalm-23", "/done"},
		{"javascript return url", store.ProductSingleItem, "psalm-23", "javascript:alert(1)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateCheckout(ctx, "acct_1", tc.product, tc.itemRef, tc.returnURL)
			if !fault.IsKind(err, fault.ValidationError) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	// Already-owned item is rejected before any provider call.
	if _, err := st.InsertSingleItemEntitlement(ctx, &store.Entitlement{
		ID: store.NewEntitlementID(), AccountID: "acct_1",
		ProductType: store.ProductSingleItem, ItemRef: "psalm-23",
		Status: store.EntitlementActive, ProviderRef: "cs_prior",
	}); err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}
	_, err := svc.CreateCheckout(ctx, "acct_1", store.ProductSingleItem, "psalm-23", "https://app.example.com/done")
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("duplicate purchase err = %v, want ValidationError", err)
	}
}

func TestReconcileSingleItemIsIdempotent(t *testing.T) {
	svc, provider, st := newTestService(t)
	ctx := context.Background()
	provider.paidSession("cs_test_1", "acct_1", store.ProductSingleItem, "psalm-23", "")

	ent, err := svc.Reconcile(ctx, "cs_test_1", "acct_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ent.ItemRef != "psalm-23" || ent.Status != store.EntitlementActive {
		t.Fatalf("unexpected entitlement: %+v", ent)
	}

	// Replay from the webhook path lands on the same row.
	again, err := svc.Reconcile(ctx, "cs_test_1", "")
	if err != nil {
		t.Fatalf("replay Reconcile: %v", err)
	}
	if again.ID != ent.ID {
		t.Errorf("replay created new row: %q vs %q", again.ID, ent.ID)
	}
	all, err := st.ListEntitlements(ctx, "acct_1")
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("rows = %d, want 1", len(all))
	}
}

func TestReconcileRejectsUnpaidTransaction(t *testing.T) {
	svc, provider, st := newTestService(t)
	ctx := context.Background()
	provider.sessions["cs_open"] = &CheckoutSession{
		ID: "cs_open", Status: "open", PaymentStatus: "unpaid",
		Metadata: map[string]string{metaAccountID: "acct_1", metaProductType: "single_item", metaItemRef: "psalm-23"},
	}

	_, err := svc.Reconcile(ctx, "cs_open", "acct_1")
	if !fault.IsKind(err, fault.PaymentIncomplete) {
		t.Fatalf("err = %v, want PaymentIncomplete", err)
	}
	all, err := st.ListEntitlements(ctx, "acct_1")
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("unpaid transaction wrote %d entitlements", len(all))
	}
}

func TestReconcileRejectsForeignTransaction(t *testing.T) {
	svc, provider, _ := newTestService(t)
	ctx := context.Background()
	provider.paidSession("cs_test_1", "acct_owner", store.ProductSingleItem, "psalm-23", "")

	_, err := svc.Reconcile(ctx, "cs_test_1", "acct_intruder")
	if !fault.IsKind(err, fault.AccountMismatch) {
		t.Fatalf("err = %v, want AccountMismatch", err)
	}

	// The webhook path carries no caller and applies the metadata account.
	ent, err := svc.Reconcile(ctx, "cs_test_1", "")
	if err != nil {
		t.Fatalf("webhook Reconcile: %v", err)
	}
	if ent.AccountID != "acct_owner" {
		t.Errorf("entitlement account = %q, want acct_owner", ent.AccountID)
	}
}

func TestReconcileSubscriptionPullsAuthoritativePeriod(t *testing.T) {
	svc, provider, _ := newTestService(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	provider.paidSession("cs_sub", "acct_1", store.ProductAnnualPass, "", "sub_1")
	provider.subs["sub_1"] = &SubscriptionInfo{
		ID: "sub_1", Status: "active", PeriodStart: start, PeriodEnd: end,
	}

	ent, err := svc.Reconcile(ctx, "cs_sub", "acct_1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ent.ProductType != store.ProductAnnualPass || ent.ProviderRef != "sub_1" {
		t.Fatalf("unexpected entitlement: %+v", ent)
	}
	if ent.PeriodEnd == nil || !ent.PeriodEnd.Equal(end) {
		t.Errorf("period_end = %v, want %v", ent.PeriodEnd, end)
	}
}

func TestReconcileRejectsMalformedReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, ref := range []string{
		"cs_1; DROP TABLE entitlements",
		"cs_1", // too short for a real provider ID
		"",
	} {
		_, err := svc.Reconcile(context.Background(), ref, "acct_1")
		if !fault.IsKind(err, fault.ValidationError) {
			t.Errorf("Reconcile(%q) err = %v, want ValidationError", ref, err)
		}
	}
}

func TestCancelTellsProviderFirst(t *testing.T) {
	svc, provider, st := newTestService(t)
	ctx := context.Background()

	end := time.Now().UTC().Add(200 * time.Hour).Truncate(time.Second)
	start := end.Add(-time.Hour * 24 * 30)
	if err := st.UpsertSubscriptionEntitlement(ctx, &store.Entitlement{
		ID: store.NewEntitlementID(), AccountID: "acct_1",
		ProductType: store.ProductMonthlySubscription, Status: store.EntitlementActive,
		ProviderRef: "sub_1", PeriodStart: &start, PeriodEnd: &end,
	}); err != nil {
		t.Fatalf("seed entitlement: %v", err)
	}

	// A transient provider failure must leave the row active.
	provider.cancelErr = fault.Wrap(fault.ProviderUnavailable, "cancel subscription", errors.New("502"))
	if _, err := svc.Cancel(ctx, "acct_1", store.ProductMonthlySubscription); !fault.IsKind(err, fault.ProviderUnavailable) {
		t.Fatalf("err = %v, want ProviderUnavailable", err)
	}
	ent, err := st.GetSubscriptionEntitlement(ctx, "acct_1", store.ProductMonthlySubscription)
	if err != nil {
		t.Fatalf("GetSubscriptionEntitlement: %v", err)
	}
	if ent.Status != store.EntitlementActive {
		t.Fatalf("status after failed cancel = %q, want active", ent.Status)
	}

	// Retry succeeds and keeps the paid-through period.
	provider.cancelErr = nil
	out, err := svc.Cancel(ctx, "acct_1", store.ProductMonthlySubscription)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != store.EntitlementCanceled {
		t.Errorf("status = %q, want canceled", out.Status)
	}
	if out.PeriodEnd == nil || !out.PeriodEnd.Equal(end) {
		t.Errorf("period_end = %v, want %v", out.PeriodEnd, end)
	}
	if len(provider.canceled) != 1 || provider.canceled[0] != "sub_1" {
		t.Errorf("provider cancels = %v", provider.canceled)
	}
	if !out.AccessibleAt(time.Now()) {
		t.Errorf("canceled subscription should retain access before period_end")
	}
}

func TestCancelWithoutActiveSubscription(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Cancel(context.Background(), "acct_1", store.ProductAnnualPass)
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	_, err = svc.Cancel(context.Background(), "acct_1", store.ProductSingleItem)
	if !fault.IsKind(err, fault.ValidationError) {
		t.Fatalf("single_item cancel err = %v, want ValidationError", err)
	}
}

func TestHasAccess(t *testing.T) {
	svc, provider, _ := newTestService(t)
	ctx := context.Background()
	provider.paidSession("cs_test_1", "acct_1", store.ProductSingleItem, "psalm-23", "")
	if _, err := svc.Reconcile(ctx, "cs_test_1", "acct_1"); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	ok, err := svc.HasAccess(ctx, "acct_1", store.ProductSingleItem, "psalm-23")
	if err != nil || !ok {
		t.Fatalf("HasAccess = %v, %v; want true", ok, err)
	}
	ok, err = svc.HasAccess(ctx, "acct_1", store.ProductSingleItem, "psalm-24")
	if err != nil || ok {
		t.Fatalf("HasAccess for unowned item = %v, %v; want false", ok, err)
	}
	ok, err = svc.HasAccess(ctx, "acct_1", store.ProductAnnualPass, "")
	if err != nil || ok {
		t.Fatalf("HasAccess for missing subscription = %v, %v; want false", ok, err)
	}
}
