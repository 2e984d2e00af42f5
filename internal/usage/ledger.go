// Package usage meters per-account daily request quota with an atomic
// check-and-increment, so no burst of concurrent requests can overshoot the
// cap.
package usage

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/enginemetrics"
	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

// Decision is the quota verdict for one metered request.
type Decision struct {
	Admitted bool   `json:"admitted"`
	Count    int64  `json:"count"`
	Quota    int64  `json:"quota"`
	Day      string `json:"day"`
}

// Remaining returns the number of requests the account can still make today.
func (d Decision) Remaining() int64 {
	if d.Count >= d.Quota {
		return 0
	}
	return d.Quota - d.Count
}

// Ledger admits or rejects metered requests against the daily quota. Day
// boundaries follow UTC, so every account rolls over at the same instant.
type Ledger struct {
	store *store.Store
	quota int64
	now   func() time.Time
}

// NewLedger creates a ledger enforcing the given daily quota.
func NewLedger(st *store.Store, quota int64) *Ledger {
	return &Ledger{
		store: st,
		quota: quota,
		now:   time.Now,
	}
}

// CheckAndRecord admits the request if the account's counter for today is
// under quota, incrementing it in the same atomic step. A rejected request is
// a normal outcome, not an error, and writes nothing. The caller's IP is
// collapsed to its network prefix before being stored for audit.
func (l *Ledger) CheckAndRecord(ctx context.Context, accountID, ip string) (*Decision, error) {
	if accountID == "" {
		return nil, fault.New(fault.ValidationError, "account is required")
	}

	day := store.DayKey(l.now())
	admitted, count, err := l.store.CheckAndIncrementUsage(ctx, accountID, day, l.quota, CoarseIP(ip))
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "usage check", err)
	}

	if admitted {
		enginemetrics.QuotaDecisionsTotal.WithLabelValues("admitted").Inc()
	} else {
		enginemetrics.QuotaDecisionsTotal.WithLabelValues("rejected").Inc()
		log.Info().
			Str("accountId", accountID).
			Str("day", day).
			Int64("count", count).
			Int64("quota", l.quota).
			Msg("Daily quota exhausted")
	}

	return &Decision{
		Admitted: admitted,
		Count:    count,
		Quota:    l.quota,
		Day:      day,
	}, nil
}

// Count returns the account's consumed quota for today without admitting
// anything.
func (l *Ledger) Count(ctx context.Context, accountID string) (*Decision, error) {
	day := store.DayKey(l.now())
	count, err := l.store.UsageCount(ctx, accountID, day)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "usage count", err)
	}
	return &Decision{
		Admitted: count < l.quota,
		Count:    count,
		Quota:    l.quota,
		Day:      day,
	}, nil
}

// CoarseIP collapses an IP to its network prefix (/24 for IPv4, /64 for
// IPv6). The audit trail needs only enough to correlate abuse, not to
// identify a household.
func CoarseIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return parsed.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
