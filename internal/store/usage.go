package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CheckAndIncrementUsage admits the request and increments the account's
// daily counter only if the counter is still below the cap, as one atomic
// conditional write. Two concurrent callers both observing cap-1 can never
// both be admitted: the WHERE clause re-evaluates against the committed row.
//
// Admitted calls also append an audit row carrying the coarse originating IP;
// the IP is never consulted for enforcement.
func (s *Store) CheckAndIncrementUsage(ctx context.Context, accountID, day string, quota int64, auditIP string) (admitted bool, count int64, err error) {
	if quota < 1 {
		return false, 0, fmt.Errorf("usage quota must be at least 1, got %d", quota)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counters (account_id, day, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(account_id, day) DO UPDATE SET
			count      = count + 1,
			updated_at = excluded.updated_at
		WHERE usage_counters.count < ?`,
		accountID, day, now, quota,
	)
	if err != nil {
		return false, 0, fmt.Errorf("conditional usage increment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("conditional usage increment: rows affected: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT count FROM usage_counters WHERE account_id = ? AND day = ?`,
		accountID, day,
	).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("read usage counter: %w", err)
	}

	if affected == 0 {
		// Cap reached; nothing was written.
		if err := tx.Commit(); err != nil {
			return false, 0, fmt.Errorf("commit usage tx: %w", err)
		}
		return false, count, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_events (account_id, day, ip, recorded_at)
		VALUES (?, ?, ?, ?)`,
		accountID, day, auditIP, now,
	); err != nil {
		return false, 0, fmt.Errorf("record usage audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit usage tx: %w", err)
	}
	return true, count, nil
}

// UsageCount returns the account's counter for the given day. Days with no
// recorded usage read as zero.
func (s *Store) UsageCount(ctx context.Context, accountID, day string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM usage_counters WHERE account_id = ? AND day = ?`,
		accountID, day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage counter: %w", err)
	}
	return count, nil
}
