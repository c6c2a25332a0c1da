package jobs

import (
	"context"
	"time"

	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

// ExpiryJob transitions every Created/AwaitingConfirmation intent whose
// expiresAt has passed, with no transaction ever bound, to Expired. Intents
// with a bound observed transaction are left for the monitor to resolve
// (§4.5 "bound ones await the monitor").
type ExpiryJob struct {
	store  store.Store
	logger zerolog.Logger
}

// NewExpiryJob constructs an ExpiryJob.
func NewExpiryJob(st store.Store, logger zerolog.Logger) *ExpiryJob {
	return &ExpiryJob{store: st, logger: logger}
}

// Runner wraps the job in a periodic driver at interval.
func (j *ExpiryJob) Runner(interval time.Duration) *Runner {
	return NewRunner("expiry_sweep", interval, j.logger, j.Run)
}

// Run sweeps once. Each candidate intent is transitioned individually, so
// one stale concurrent write (ErrInvalidTransition because the monitor beat
// the sweep to it) never aborts the rest of the batch — TryTransition's
// idempotent no-op-on-already-at-target semantics cover the common race.
func (j *ExpiryJob) Run(ctx context.Context) {
	expired, err := j.store.ExpiredIntents(ctx, time.Now())
	if err != nil {
		j.logger.Error().Err(err).Msg("expiry_sweep: failed to list expired intents")
		return
	}

	for _, intent := range expired {
		if err := j.store.TryTransition(ctx, intent.ID, intent.State, store.StateExpired, store.IntentPatch{}); err != nil {
			j.logger.Error().Err(err).Str("payment_intent_id", intent.ID).Msg("expiry_sweep: transition failed")
			continue
		}
		j.logger.Info().Str("payment_intent_id", intent.ID).Msg("expiry_sweep: intent expired")
	}
}
