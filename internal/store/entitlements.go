package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const entitlementColumns = `id, account_id, product_type, item_ref, status,
	provider_ref, provider_customer_id, period_start, period_end,
	created_at, updated_at`

// UpsertSubscriptionEntitlement inserts or refreshes the single subscription
// row for (account, product_type). This is the idempotency boundary for
// subscription reconciliation: replaying the same transaction updates the
// existing row instead of creating a duplicate.
func (s *Store) UpsertSubscriptionEntitlement(ctx context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if !e.ProductType.IsSubscription() {
		return fmt.Errorf("product type %q is not a subscription", e.ProductType)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (
			id, account_id, product_type, item_ref, status,
			provider_ref, provider_customer_id, period_start, period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, product_type) WHERE product_type != 'single_item'
		DO UPDATE SET
			status               = excluded.status,
			provider_ref         = excluded.provider_ref,
			provider_customer_id = excluded.provider_customer_id,
			period_start         = excluded.period_start,
			period_end           = excluded.period_end,
			updated_at           = excluded.updated_at`,
		e.ID, e.AccountID, string(e.ProductType), string(e.Status),
		e.ProviderRef, e.ProviderCustomerID,
		nullableTimeUnix(e.PeriodStart), nullableTimeUnix(e.PeriodEnd),
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription entitlement: %w", err)
	}
	return nil
}

// InsertSingleItemEntitlement inserts a single-item purchase row. A replay of
// an already reconciled transaction hits the uniqueness constraint and is
// reported as inserted=false with no write; callers treat that as an
// idempotent no-op.
func (s *Store) InsertSingleItemEntitlement(ctx context.Context, e *Entitlement) (inserted bool, err error) {
	if e == nil {
		return false, fmt.Errorf("entitlement is nil")
	}
	if e.ProductType != ProductSingleItem {
		return false, fmt.Errorf("product type %q is not single_item", e.ProductType)
	}
	if e.ItemRef == "" {
		return false, fmt.Errorf("single-item entitlement requires item_ref")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (
			id, account_id, product_type, item_ref, status,
			provider_ref, provider_customer_id, period_start, period_end,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
		ON CONFLICT(account_id, item_ref) WHERE product_type = 'single_item'
		DO NOTHING`,
		e.ID, e.AccountID, string(e.ProductType), e.ItemRef, string(e.Status),
		e.ProviderRef, e.ProviderCustomerID,
		e.CreatedAt.Unix(), e.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert single-item entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert single-item entitlement: rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetSubscriptionEntitlement retrieves the subscription row for the account,
// or nil if none exists.
func (s *Store) GetSubscriptionEntitlement(ctx context.Context, accountID string, product ProductType) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE account_id = ? AND product_type = ?`, accountID, string(product))
	return scanEntitlement(row)
}

// GetSingleItemEntitlement retrieves the purchase row for (account, item_ref),
// or nil if none exists.
func (s *Store) GetSingleItemEntitlement(ctx context.Context, accountID, itemRef string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE account_id = ? AND product_type = 'single_item' AND item_ref = ?`,
		accountID, itemRef)
	return scanEntitlement(row)
}

// GetEntitlementByProviderRef finds the entitlement backed by a provider
// object (a subscription ID for renewing products), or nil if none exists.
func (s *Store) GetEntitlementByProviderRef(ctx context.Context, providerRef string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE provider_ref = ?`, providerRef)
	return scanEntitlement(row)
}

// SyncEntitlement overwrites status and billing period on an existing row.
// Returns false if the row no longer exists.
func (s *Store) SyncEntitlement(ctx context.Context, id string, status EntitlementStatus, periodStart, periodEnd *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET status = ?, period_start = ?, period_end = ?, updated_at = ?
		WHERE id = ?`,
		string(status), nullableTimeUnix(periodStart), nullableTimeUnix(periodEnd),
		time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("sync entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sync entitlement: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListEntitlements returns all entitlement rows for the account, newest first.
func (s *Store) ListEntitlements(ctx context.Context, accountID string) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE account_id = ? ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CancelEntitlement flips an active subscription to canceled, preserving
// period_end. Returns the updated row, or nil if no active row existed.
func (s *Store) CancelEntitlement(ctx context.Context, accountID string, product ProductType) (*Entitlement, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET status = ?, updated_at = ?
		WHERE account_id = ? AND product_type = ? AND status = ?`,
		string(EntitlementCanceled), time.Now().UTC().Unix(),
		accountID, string(product), string(EntitlementActive),
	)
	if err != nil {
		return nil, fmt.Errorf("cancel entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel entitlement: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return s.GetSubscriptionEntitlement(ctx, accountID, product)
}

// GetBillingCustomer returns the provider customer mapping for the account,
// or nil if none exists.
func (s *Store) GetBillingCustomer(ctx context.Context, accountID string) (*BillingCustomer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT account_id, provider_customer_id, created_at
		FROM billing_customers WHERE account_id = ?`, accountID)

	var c BillingCustomer
	var createdAt int64
	if err := row.Scan(&c.AccountID, &c.ProviderCustomerID, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan billing customer: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// EnsureBillingCustomer records the one-to-one account->provider customer
// mapping. If a competing writer already created the row, the stored mapping
// wins and is returned.
func (s *Store) EnsureBillingCustomer(ctx context.Context, accountID, providerCustomerID string) (*BillingCustomer, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_customers (account_id, provider_customer_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO NOTHING`,
		accountID, providerCustomerID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure billing customer: %w", err)
	}
	c, err := s.GetBillingCustomer(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("billing customer for %q missing after insert", accountID)
	}
	return c, nil
}

func scanEntitlement(sc scanner) (*Entitlement, error) {
	var e Entitlement
	var productType, status string
	var itemRef sql.NullString
	var periodStart, periodEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(
		&e.ID, &e.AccountID, &productType, &itemRef, &status,
		&e.ProviderRef, &e.ProviderCustomerID, &periodStart, &periodEnd,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	e.ProductType = ProductType(productType)
	e.Status = EntitlementStatus(status)
	if itemRef.Valid {
		e.ItemRef = itemRef.String
	}
	if periodStart.Valid {
		ts := time.Unix(periodStart.Int64, 0).UTC()
		e.PeriodStart = &ts
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		e.PeriodEnd = &ts
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
