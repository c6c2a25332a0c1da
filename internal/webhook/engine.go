package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/CedrosPay/server/internal/circuitbreaker"
	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/httputil"
	"github.com/CedrosPay/server/internal/metrics"
	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

// backoffSchedule is the fixed retry schedule: 5 attempts total, then the
// delivery is terminal failed.
var backoffSchedule = [...]time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// shortcutAfterAttempt is the attempt count at or beyond which a non-429 4xx
// response is treated as permanently failed instead of retried further.
const shortcutAfterAttempt = 2

// batchSize bounds how many due deliveries a single poll dispatches.
const batchSize = 20

// Engine is the webhook delivery driver: it polls the store for due
// WebhookDelivery rows and dispatches them with HMAC authentication,
// bounded retry, and per-target ordering.
type Engine struct {
	store      store.Store
	cfg        config.WebhookConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	dlq        *DLQ

	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// Options configures a new Engine.
type Options struct {
	Store        store.Store
	Config       config.WebhookConfig
	Breaker      *circuitbreaker.Manager
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	PollInterval time.Duration // default: 10s, per the webhook retry driver cadence
}

// New constructs an Engine from Options.
func New(opts Options) *Engine {
	timeout := opts.Config.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	var dlq *DLQ
	if opts.Config.DLQEnabled {
		dlq = NewDLQ(opts.Config.DLQPath, opts.Logger)
	}

	return &Engine{
		store:        opts.Store,
		cfg:          opts.Config,
		httpClient:   httputil.NewClient(timeout),
		breaker:      opts.Breaker,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		dlq:          dlq,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the delivery poll loop in its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the loop to exit and blocks until it has drained.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("pollInterval", e.pollInterval).Msg("webhook engine started")

	for {
		select {
		case <-e.stopCh:
			e.logger.Info().Msg("webhook engine stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.processQueue(ctx)
		}
	}
}

// processQueue fetches due deliveries and dispatches them. Deliveries are
// grouped by (merchantId, targetUrl) and dispatched serially within a group
// to preserve per-intent ordering; distinct groups run concurrently.
func (e *Engine) processQueue(ctx context.Context) {
	deliveries, err := e.store.DueDeliveries(ctx, batchSize)
	if err != nil {
		e.logger.Error().Err(err).Msg("webhook engine: failed to fetch due deliveries")
		return
	}
	if len(deliveries) == 0 {
		return
	}

	groups := make(map[string][]store.WebhookDelivery)
	var order []string
	for _, d := range deliveries {
		key := d.MerchantID + "|" + d.TargetURL
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		batch := groups[key]
		wg.Add(1)
		go func(batch []store.WebhookDelivery) {
			defer wg.Done()
			for _, d := range batch {
				e.processDelivery(ctx, d)
			}
		}(batch)
	}
	wg.Wait()
}

func (e *Engine) processDelivery(ctx context.Context, d store.WebhookDelivery) {
	startTime := time.Now()
	attempt := d.Attempts + 1

	merchant, err := e.store.GetMerchant(ctx, d.MerchantID)
	if err != nil {
		e.logger.Error().Err(err).Str("deliveryId", d.ID).Msg("webhook engine: failed to load merchant")
		e.scheduleRetry(ctx, d, attempt, 0, fmt.Errorf("load merchant: %w", err))
		return
	}

	targetURL := d.TargetURL
	if targetURL == "" {
		targetURL = merchant.WebhookURL
	}
	if targetURL == "" {
		e.logger.Warn().Str("deliveryId", d.ID).Str("merchantId", d.MerchantID).Msg("webhook engine: merchant has no webhook URL configured")
		e.markFailed(ctx, d, attempt, 0, fmt.Errorf("merchant %s has no webhook URL configured", d.MerchantID))
		return
	}

	timestamp := time.Now().Unix()
	headers := Headers(d.ID, string(d.EventType), merchant.WebhookSecret, timestamp, d.Payload)

	sendCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout())
	code, sendErr := e.send(sendCtx, targetURL, d.Payload, headers)
	cancel()

	duration := time.Since(startTime)

	if sendErr == nil && code >= 200 && code < 300 {
		if markErr := e.store.MarkDeliverySent(ctx, d.ID, code); markErr != nil {
			e.logger.Error().Err(markErr).Str("deliveryId", d.ID).Msg("webhook engine: failed to mark delivered")
			return
		}
		if e.metrics != nil {
			e.metrics.ObserveWebhook(string(d.EventType), "success", duration, attempt, false)
		}
		e.logger.Info().
			Str("deliveryId", d.ID).
			Str("eventType", string(d.EventType)).
			Int("attempt", attempt).
			Dur("duration", duration).
			Msg("webhook delivered")
		return
	}

	deliveryErr := sendErr
	if deliveryErr == nil {
		deliveryErr = fmt.Errorf("received status %d from %s", code, targetURL)
	}

	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(backoffSchedule)
	}

	// Non-2xx, non-429 responses after a couple of tries likely indicate a
	// permanent rejection rather than a transient outage; short-circuit
	// rather than burning the full schedule.
	shortcut := sendErr == nil && code >= 400 && code < 500 && code != http.StatusTooManyRequests && attempt >= shortcutAfterAttempt

	if shortcut || attempt >= maxAttempts {
		if e.metrics != nil {
			e.metrics.ObserveWebhook(string(d.EventType), "failed", duration, attempt, e.dlq != nil)
		}
		e.markFailed(ctx, d, attempt, code, deliveryErr)
		return
	}

	if e.metrics != nil {
		e.metrics.ObserveWebhook(string(d.EventType), "retrying", duration, attempt, false)
	}
	e.scheduleRetry(ctx, d, attempt, code, deliveryErr)
}

func (e *Engine) markFailed(ctx context.Context, d store.WebhookDelivery, attempt, code int, err error) {
	if markErr := e.store.MarkDeliveryFailed(ctx, d.ID, code, err.Error()); markErr != nil {
		e.logger.Error().Err(markErr).Str("deliveryId", d.ID).Msg("webhook engine: failed to mark failed")
		return
	}
	if e.dlq != nil {
		e.dlq.Save(d, err)
	}
	e.logger.Warn().
		Str("deliveryId", d.ID).
		Str("eventType", string(d.EventType)).
		Int("attempt", attempt).
		Err(err).
		Msg("webhook delivery exhausted retries")
}

func (e *Engine) scheduleRetry(ctx context.Context, d store.WebhookDelivery, attempt, code int, err error) {
	nextAttemptAt := time.Now().Add(backoffFor(attempt))
	if markErr := e.store.MarkDeliveryRetrying(ctx, d.ID, code, err.Error(), nextAttemptAt); markErr != nil {
		e.logger.Error().Err(markErr).Str("deliveryId", d.ID).Msg("webhook engine: failed to schedule retry")
		return
	}
	e.logger.Warn().
		Str("deliveryId", d.ID).
		Str("eventType", string(d.EventType)).
		Int("attempt", attempt).
		Time("nextAttempt", nextAttemptAt).
		Err(err).
		Msg("webhook delivery failed, scheduled for retry")
}

// ListDeliveries returns webhook deliveries matching filter, for the
// merchant-facing delivery-log query surface.
func (e *Engine) ListDeliveries(ctx context.Context, filter store.WebhookFilter) ([]store.WebhookDelivery, error) {
	return e.store.ListDeliveries(ctx, filter)
}

// RetryDelivery moves a delivery (in any state, including terminal failed)
// to retrying with its attempt count incremented and nextAttemptAt set to
// now, so the next poll picks it up. This is the manual
// retry path named in §6's merchant-facing REST contract summary.
func (e *Engine) RetryDelivery(ctx context.Context, id string) error {
	return e.store.RetryDelivery(ctx, id)
}

// backoffFor returns the fixed-schedule delay after the given attempt number.
func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

func (e *Engine) attemptTimeout() time.Duration {
	if e.cfg.Timeout.Duration > 0 {
		return e.cfg.Timeout.Duration
	}
	return 10 * time.Second
}

func (e *Engine) send(ctx context.Context, url string, payload []byte, headers map[string]string) (int, error) {
	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}

	var result interface{}
	var err error
	if e.breaker != nil {
		result, err = e.breaker.Execute(circuitbreaker.ServiceWebhook, do)
	} else {
		result, err = do()
	}
	if err != nil {
		return 0, err
	}
	code, _ := result.(int)
	return code, nil
}
