package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/enginemetrics"
	"github.com/selahapp/selah-go/internal/fault"
	"github.com/selahapp/selah-go/internal/store"
)

const (
	pruneInterval = 1 * time.Hour
	// Events are kept a little past the detection window so a late Evaluate
	// still sees the full 24 hours.
	eventRetention = 25 * time.Hour
)

// AbuseReport is the read-only verdict over the trailing detection window.
type AbuseReport struct {
	AccountID          string `json:"account_id"`
	Suspicious         bool   `json:"suspicious"`
	DistinctIdentities int    `json:"distinct_identities"`
	Threshold          int    `json:"threshold"`
	WindowHours        int    `json:"window_hours"`
}

// AbuseDetector flags accounts whose sessions arrive from too many distinct
// network identities inside a trailing window. It observes only; nothing is
// blocked or terminated on its verdict.
type AbuseDetector struct {
	store     *store.Store
	threshold int
	window    time.Duration
	now       func() time.Time
}

// NewAbuseDetector creates a detector with the given identity threshold and
// trailing window.
func NewAbuseDetector(st *store.Store, threshold int, window time.Duration) *AbuseDetector {
	return &AbuseDetector{
		store:     st,
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Evaluate counts the distinct network identities (IPs and device
// fingerprints pooled together) seen for the account inside the window. The
// flag clears by itself once enough old events age out of the window.
func (d *AbuseDetector) Evaluate(ctx context.Context, accountID string) (*AbuseReport, error) {
	if accountID == "" {
		return nil, fault.New(fault.ValidationError, "account is required")
	}

	since := d.now().Add(-d.window)
	distinct, err := d.store.DistinctNetworkIdentities(ctx, accountID, since)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, "evaluate abuse window", err)
	}

	report := &AbuseReport{
		AccountID:          accountID,
		Suspicious:         distinct >= d.threshold,
		DistinctIdentities: distinct,
		Threshold:          d.threshold,
		WindowHours:        int(d.window / time.Hour),
	}
	if report.Suspicious {
		enginemetrics.AbuseFlagsTotal.Inc()
		log.Warn().
			Str("accountId", accountID).
			Int("distinctIdentities", distinct).
			Int("threshold", d.threshold).
			Msg("Account flagged for session abuse")
	}
	return report, nil
}

// RunPruner deletes session events that have aged out of every possible
// detection window. It blocks until ctx is cancelled.
func (d *AbuseDetector) RunPruner(ctx context.Context) {
	log.Info().Msg("Session event pruner started")

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session event pruner stopped")
			return
		case <-ticker.C:
			d.pruneOnce(ctx)
		}
	}
}

func (d *AbuseDetector) pruneOnce(ctx context.Context) {
	retention := eventRetention
	if d.window+time.Hour > retention {
		retention = d.window + time.Hour
	}
	pruned, err := d.store.PruneSessionEvents(ctx, d.now().Add(-retention))
	if err != nil {
		log.Error().Err(err).Msg("Session event prune failed")
		return
	}
	if pruned > 0 {
		log.Debug().Int64("pruned", pruned).Msg("Aged session events pruned")
	}
}
