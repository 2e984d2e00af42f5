package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HeartbeatResult reports the outcome of a heartbeat-and-evict step.
type HeartbeatResult struct {
	// Evicted is true when the calling session itself lost its slot in the
	// same step, so the device must force a local sign-out.
	Evicted bool
	// EvictedOthers is the number of other sessions deactivated by this
	// heartbeat.
	EvictedOthers int
}

// TouchSessionAndEvict upserts the session's last-active time, records a
// network-identity event for the abuse window, and deactivates every active
// session beyond the maxActive most-recently-active ones. The whole step runs in
// one transaction against the snapshot that includes this heartbeat's write,
// so no partial eviction state is ever observable.
//
// Recency ties are broken by device_token descending, which is what makes it
// possible for the calling session to lose its own slot and be told so.
func (s *Store) TouchSessionAndEvict(ctx context.Context, accountID, deviceToken, fingerprint, ip string, maxActive int, now time.Time) (HeartbeatResult, error) {
	var result HeartbeatResult
	if maxActive < 1 {
		return result, fmt.Errorf("session cap must be at least 1, got %d", maxActive)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin heartbeat tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMilli := now.UTC().UnixMilli()
	nowUnix := now.UTC().Unix()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (account_id, device_token, fingerprint, ip, last_active_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(account_id, device_token) DO UPDATE SET
			fingerprint    = excluded.fingerprint,
			ip             = excluded.ip,
			last_active_at = excluded.last_active_at,
			active         = 1`,
		accountID, deviceToken, fingerprint, ip, nowMilli, nowUnix,
	); err != nil {
		return result, fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (account_id, ip, fingerprint, occurred_at)
		VALUES (?, ?, ?, ?)`,
		accountID, ip, fingerprint, nowUnix,
	); err != nil {
		return result, fmt.Errorf("record session event: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET active = 0
		WHERE account_id = ? AND active = 1 AND device_token NOT IN (
			SELECT device_token FROM sessions
			WHERE account_id = ? AND active = 1
			ORDER BY last_active_at DESC, device_token DESC
			LIMIT ?
		)`,
		accountID, accountID, maxActive,
	)
	if err != nil {
		return result, fmt.Errorf("evict excess sessions: %w", err)
	}
	evicted, err := res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("evict excess sessions: rows affected: %w", err)
	}

	var callerActive int
	if err := tx.QueryRowContext(ctx, `
		SELECT active FROM sessions WHERE account_id = ? AND device_token = ?`,
		accountID, deviceToken,
	).Scan(&callerActive); err != nil {
		return result, fmt.Errorf("read back caller session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit heartbeat tx: %w", err)
	}

	result.Evicted = callerActive == 0
	result.EvictedOthers = int(evicted)
	if result.Evicted && result.EvictedOthers > 0 {
		result.EvictedOthers--
	}
	return result, nil
}

// DeactivateSession frees the session's concurrency slot immediately.
func (s *Store) DeactivateSession(ctx context.Context, accountID, deviceToken string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0
		WHERE account_id = ? AND device_token = ?`,
		accountID, deviceToken,
	); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// DemoteSession zeroes the session's recency without deactivating it, so the
// slot is reclaimed by the next heartbeat's eviction pass instead of now.
func (s *Store) DemoteSession(ctx context.Context, accountID, deviceToken string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = 0
		WHERE account_id = ? AND device_token = ?`,
		accountID, deviceToken,
	); err != nil {
		return fmt.Errorf("demote session: %w", err)
	}
	return nil
}

// ActiveSessions returns the account's active sessions, most recent first.
func (s *Store) ActiveSessions(ctx context.Context, accountID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, device_token, fingerprint, ip, last_active_at, active, created_at
		FROM sessions
		WHERE account_id = ? AND active = 1
		ORDER BY last_active_at DESC, device_token DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession returns the session row for (account, device), or nil.
func (s *Store) GetSession(ctx context.Context, accountID, deviceToken string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, device_token, fingerprint, ip, last_active_at, active, created_at
		FROM sessions WHERE account_id = ? AND device_token = ?`,
		accountID, deviceToken)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// DistinctNetworkIdentities counts the distinct values in the union of IPs
// and fingerprints seen for the account since the cutoff.
func (s *Store) DistinctNetworkIdentities(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT ip AS identity FROM session_events
			WHERE account_id = ? AND occurred_at >= ? AND ip != ''
			UNION
			SELECT fingerprint FROM session_events
			WHERE account_id = ? AND occurred_at >= ? AND fingerprint != ''
		)`,
		accountID, since.UTC().Unix(), accountID, since.UTC().Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count distinct network identities: %w", err)
	}
	return count, nil
}

// PruneSessionEvents deletes events older than the cutoff and returns how
// many were removed.
func (s *Store) PruneSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE occurred_at < ?`,
		before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune session events: rows affected: %w", err)
	}
	return pruned, nil
}

func scanSession(sc scanner) (*Session, error) {
	var sess Session
	var lastActive, createdAt int64
	var active int

	err := sc.Scan(
		&sess.AccountID, &sess.DeviceToken, &sess.Fingerprint, &sess.IP,
		&lastActive, &active, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.LastActiveAt = time.UnixMilli(lastActive).UTC()
	sess.Active = active != 0
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &sess, nil
}
