// Package jobs implements the facilitator's periodic drivers: the wall-clock
// inputs that wrap the lifecycle store and blockchain monitor described in
// §4.5 — expiry sweep, auto-settle sweep, and re-verification sweep. (The
// fourth cadence, the webhook retry driver, is the webhook engine's own poll
// loop; see internal/webhook.)
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Runner drives a single idempotent task on a fixed interval. Every task
// invocation processes the full current backlog rather than a single item,
// so a missed tick (a slow run, a restart) is caught up on the next one
// instead of replayed — jobs never need their own catch-up bookkeeping.
type Runner struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context)
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunner constructs a Runner. task is invoked once immediately and then
// every interval until Stop is called.
func NewRunner(name string, interval time.Duration, logger zerolog.Logger, task func(ctx context.Context)) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the runner's goroutine.
func (r *Runner) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for it to drain.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	r.logger.Info().Str("job", r.name).Dur("interval", r.interval).Msg("job started")

	r.task(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Str("job", r.name).Msg("job stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.task(ctx)
		}
	}
}
