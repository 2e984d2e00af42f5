package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertSubscriptionEntitlementIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	e := &Entitlement{
		ID:          NewEntitlementID(),
		AccountID:   "acct_1",
		ProductType: ProductMonthlySubscription,
		Status:      EntitlementActive,
		ProviderRef: "sub_123",
		PeriodStart: &start,
		PeriodEnd:   &end,
	}
	if err := s.UpsertSubscriptionEntitlement(ctx, e); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Replay with a fresh candidate row ID; must update in place.
	replay := *e
	replay.ID = NewEntitlementID()
	if err := s.UpsertSubscriptionEntitlement(ctx, &replay); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	all, err := s.ListEntitlements(ctx, "acct_1")
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 row after replay, got %d", len(all))
	}
	if all[0].ID != e.ID {
		t.Errorf("replay must keep the original row ID, got %q want %q", all[0].ID, e.ID)
	}
	if all[0].PeriodEnd == nil || !all[0].PeriodEnd.Equal(end) {
		t.Errorf("period_end = %v, want %v", all[0].PeriodEnd, end)
	}
}

func TestUpsertSubscriptionRefreshesPeriodOnRenewal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	e := &Entitlement{
		ID:          NewEntitlementID(),
		AccountID:   "acct_1",
		ProductType: ProductMonthlySubscription,
		Status:      EntitlementActive,
		ProviderRef: "sub_123",
		PeriodStart: &start,
		PeriodEnd:   &end,
	}
	if err := s.UpsertSubscriptionEntitlement(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	renewedStart := end
	renewedEnd := end.AddDate(0, 1, 0)
	renewal := &Entitlement{
		ID:          NewEntitlementID(),
		AccountID:   "acct_1",
		ProductType: ProductMonthlySubscription,
		Status:      EntitlementActive,
		ProviderRef: "sub_123",
		PeriodStart: &renewedStart,
		PeriodEnd:   &renewedEnd,
	}
	if err := s.UpsertSubscriptionEntitlement(ctx, renewal); err != nil {
		t.Fatalf("renewal upsert: %v", err)
	}

	got, err := s.GetSubscriptionEntitlement(ctx, "acct_1", ProductMonthlySubscription)
	if err != nil {
		t.Fatalf("GetSubscriptionEntitlement: %v", err)
	}
	if got == nil {
		t.Fatal("entitlement missing after renewal")
	}
	if got.PeriodEnd == nil || !got.PeriodEnd.Equal(renewedEnd) {
		t.Errorf("period_end = %v, want %v", got.PeriodEnd, renewedEnd)
	}
}

func TestInsertSingleItemEntitlementReplayIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &Entitlement{
		ID:          NewEntitlementID(),
		AccountID:   "acct_x",
		ProductType: ProductSingleItem,
		ItemRef:     "audio-genesis",
		Status:      EntitlementActive,
		ProviderRef: "cs_txn1",
	}
	inserted, err := s.InsertSingleItemEntitlement(ctx, e)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported inserted=false")
	}

	replay := *e
	replay.ID = NewEntitlementID()
	inserted, err = s.InsertSingleItemEntitlement(ctx, &replay)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if inserted {
		t.Error("replay reported inserted=true, want idempotent no-op")
	}

	all, err := s.ListEntitlements(ctx, "acct_x")
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 row, got %d", len(all))
	}
}

func TestSingleItemDifferentItemsCoexist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"audio-genesis", "audio-psalms"} {
		inserted, err := s.InsertSingleItemEntitlement(ctx, &Entitlement{
			ID:          NewEntitlementID(),
			AccountID:   "acct_x",
			ProductType: ProductSingleItem,
			ItemRef:     ref,
			Status:      EntitlementActive,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", ref, err)
		}
		if !inserted {
			t.Fatalf("insert %s reported inserted=false", ref)
		}
	}

	got, err := s.GetSingleItemEntitlement(ctx, "acct_x", "audio-psalms")
	if err != nil {
		t.Fatalf("GetSingleItemEntitlement: %v", err)
	}
	if got == nil {
		t.Fatal("second item missing")
	}
}

func TestCancelEntitlementPreservesPeriodEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	end := time.Now().UTC().Add(10 * 24 * time.Hour).Truncate(time.Second)
	if err := s.UpsertSubscriptionEntitlement(ctx, &Entitlement{
		ID:          NewEntitlementID(),
		AccountID:   "acct_c",
		ProductType: ProductAnnualPass,
		Status:      EntitlementActive,
		ProviderRef: "sub_9",
		PeriodStart: &start,
		PeriodEnd:   &end,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.CancelEntitlement(ctx, "acct_c", ProductAnnualPass)
	if err != nil {
		t.Fatalf("CancelEntitlement: %v", err)
	}
	if got == nil {
		t.Fatal("CancelEntitlement returned nil")
	}
	if got.Status != EntitlementCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
	if got.PeriodEnd == nil || !got.PeriodEnd.Equal(end) {
		t.Errorf("period_end = %v, want preserved %v", got.PeriodEnd, end)
	}

	// Access remains valid through period_end.
	if !got.AccessibleAt(end.Add(-time.Hour)) {
		t.Error("canceled entitlement should grant access before period_end")
	}
	if got.AccessibleAt(end) {
		t.Error("canceled entitlement should deny access at period_end")
	}

	// Canceling again is a no-op (no active row left).
	again, err := s.CancelEntitlement(ctx, "acct_c", ProductAnnualPass)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again != nil {
		t.Error("second cancel should report no active row")
	}
}

func TestEnsureBillingCustomerFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureBillingCustomer(ctx, "acct_b", "cus_first")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	second, err := s.EnsureBillingCustomer(ctx, "acct_b", "cus_second")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.ProviderCustomerID != "cus_first" || second.ProviderCustomerID != "cus_first" {
		t.Errorf("expected stored mapping cus_first to win, got %q then %q",
			first.ProviderCustomerID, second.ProviderCustomerID)
	}
}
