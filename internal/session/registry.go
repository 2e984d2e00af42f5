// Package session enforces the per-account device concurrency cap and
// watches session telemetry for account-sharing abuse.
package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/enginemetrics"
	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

// SignOutPolicy controls what happens to a session's concurrency slot on
// explicit sign-out.
type SignOutPolicy string

const (
	// SignOutFreesSlot deactivates the session immediately, freeing its slot
	// for the next device right away.
	SignOutFreesSlot SignOutPolicy = "immediate"
	// SignOutDemotes keeps the session active but zeroes its recency, so it
	// is the first one evicted when another device heartbeats.
	SignOutDemotes SignOutPolicy = "deferred"
)

// Valid reports whether p is a known policy.
func (p SignOutPolicy) Valid() bool {
	return p == SignOutFreesSlot || p == SignOutDemotes
}

// Registry owns session admission for all accounts.
type Registry struct {
	store         *store.Store
	maxActive     int
	signOutPolicy SignOutPolicy
	now           func() time.Time
}

// NewRegistry creates a session registry enforcing the given concurrency cap.
func NewRegistry(st *store.Store, maxActive int, policy SignOutPolicy) *Registry {
	if !policy.Valid() {
		policy = SignOutFreesSlot
	}
	return &Registry{
		store:         st,
		maxActive:     maxActive,
		signOutPolicy: policy,
		now:           time.Now,
	}
}

// HeartbeatResult tells the device where it stands after a heartbeat.
type HeartbeatResult struct {
	// Evicted means this device lost its slot in the same heartbeat and must
	// sign itself out locally.
	Evicted bool `json:"evicted"`
	// ActiveSessions is the number of slots in use after the heartbeat.
	ActiveSessions int `json:"active_sessions"`
	// MaxSessions is the configured concurrency cap.
	MaxSessions int `json:"max_sessions"`
}

// Heartbeat records device activity and enforces the concurrency cap in one
// atomic step. Eviction of the least-recent session is a normal outcome, not
// an error; the caller learns whether its own slot survived.
func (r *Registry) Heartbeat(ctx context.Context, accountID, deviceToken, fingerprint, ip string) (*HeartbeatResult, error) {
	if accountID == "" || deviceToken == "" {
		return nil, fault.New(fault.ValidationError, "account and device token are required")
	}

	res, err := r.store.TouchSessionAndEvict(ctx, accountID, deviceToken, fingerprint, ip, r.maxActive, r.now())
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "heartbeat", err)
	}

	evictedTotal := res.EvictedOthers
	if res.Evicted {
		evictedTotal++
	}
	if evictedTotal > 0 {
		enginemetrics.SessionsEvictedTotal.Add(float64(evictedTotal))
		log.Info().
			Str("accountId", accountID).
			Str("deviceToken", deviceToken).
			Int("evicted", evictedTotal).
			Bool("callerEvicted", res.Evicted).
			Msg("Session cap enforced; least-recent sessions evicted")
	}

	active, err := r.store.ActiveSessions(ctx, accountID)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "list active sessions", err)
	}
	return &HeartbeatResult{
		Evicted:        res.Evicted,
		ActiveSessions: len(active),
		MaxSessions:    r.maxActive,
	}, nil
}

// SignOut releases a device's session according to the configured policy.
// Signing out a device with no session is a no-op.
func (r *Registry) SignOut(ctx context.Context, accountID, deviceToken string) error {
	if accountID == "" || deviceToken == "" {
		return fault.New(fault.ValidationError, "account and device token are required")
	}

	var err error
	switch r.signOutPolicy {
	case SignOutDemotes:
		err = r.store.DemoteSession(ctx, accountID, deviceToken)
	default:
		err = r.store.DeactivateSession(ctx, accountID, deviceToken)
	}
	if err != nil {
		return fault.Wrap(fault.StoreUnavailable, "sign out", err)
	}

	log.Debug().
		Str("accountId", accountID).
		Str("deviceToken", deviceToken).
		Str("policy", string(r.signOutPolicy)).
		Msg("Session signed out")
	return nil
}

// ActiveSessions lists the account's live sessions, most recent first.
func (r *Registry) ActiveSessions(ctx context.Context, accountID string) ([]*store.Session, error) {
	sessions, err := r.store.ActiveSessions(ctx, accountID)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "list active sessions", err)
	}
	return sessions, nil
}
