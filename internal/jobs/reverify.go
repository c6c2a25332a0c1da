package jobs

import (
	"context"
	"time"

	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

// ReverifyJob force-refreshes AwaitingConfirmation intents whose bound
// transaction hasn't been checked by the monitor's own loops within
// staleAfter (recommended 2x the monitor's block-scan interval). This is a
// backstop against a stalled or lagging monitor, not its primary driver.
type ReverifyJob struct {
	store      store.Store
	monitor    scanner
	logger     zerolog.Logger
	staleAfter time.Duration
}

// NewReverifyJob constructs a ReverifyJob. staleAfter should be roughly
// 2x the monitor's block-scan interval.
func NewReverifyJob(st store.Store, mon scanner, staleAfter time.Duration, logger zerolog.Logger) *ReverifyJob {
	return &ReverifyJob{store: st, monitor: mon, staleAfter: staleAfter, logger: logger}
}

// Runner wraps the job in a periodic driver at interval.
func (j *ReverifyJob) Runner(interval time.Duration) *Runner {
	return NewRunner("reverify_sweep", interval, j.logger, j.Run)
}

// Run sweeps once.
func (j *ReverifyJob) Run(ctx context.Context) {
	open, err := j.store.OpenIntents(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("reverify_sweep: failed to list open intents")
		return
	}

	now := time.Now()
	for _, intent := range open {
		if intent.State != store.StateAwaitingConfirmation || intent.ObservedTxid == "" {
			continue
		}

		rec, err := j.store.GetTxRecord(ctx, intent.ObservedTxid)
		if err != nil || now.Sub(rec.LastCheckedAt) < j.staleAfter {
			continue
		}

		if err := j.monitor.ScanPaymentIntent(ctx, intent.ID); err != nil {
			j.logger.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("reverify_sweep: scan failed")
		}
	}
}
