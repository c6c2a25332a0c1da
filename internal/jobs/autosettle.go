package jobs

import (
	"context"
	"time"

	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

// scanner is the subset of *monitor.Monitor that a job needs: a synchronous,
// single-intent re-scan. Narrowed to an interface (rather than importing
// internal/monitor directly) so jobs can be tested without a live RPC client
// behind the monitor; in production the caller passes a *monitor.Monitor,
// which satisfies this interface.
type scanner interface {
	ScanPaymentIntent(ctx context.Context, id string) error
}

// AutoSettleJob re-scans every Verified intent once per tick; refreshBoundIntent
// (inside the monitor) promotes it to Settled once its required confirmation
// threshold is met. This is the catch-up path for the case where the
// monitor's own block-scan loop missed the promotion (§4.5).
type AutoSettleJob struct {
	store   store.Store
	monitor scanner
	logger  zerolog.Logger
}

// NewAutoSettleJob constructs an AutoSettleJob.
func NewAutoSettleJob(st store.Store, mon scanner, logger zerolog.Logger) *AutoSettleJob {
	return &AutoSettleJob{store: st, monitor: mon, logger: logger}
}

// Runner wraps the job in a periodic driver at interval.
func (j *AutoSettleJob) Runner(interval time.Duration) *Runner {
	return NewRunner("auto_settle_sweep", interval, j.logger, j.Run)
}

// Run sweeps once.
func (j *AutoSettleJob) Run(ctx context.Context) {
	open, err := j.store.OpenIntents(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("auto_settle_sweep: failed to list open intents")
		return
	}

	for _, intent := range open {
		if intent.State != store.StateVerified {
			continue
		}
		if err := j.monitor.ScanPaymentIntent(ctx, intent.ID); err != nil {
			j.logger.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("auto_settle_sweep: scan failed")
		}
	}
}
