package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the facilitator.
type Metrics struct {
	// Payment intent lifecycle metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec
	SettlementDuration   *prometheus.HistogramVec

	// Zcash node RPC metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Refund metrics
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal *prometheus.CounterVec
	RefundDuration    *prometheus.HistogramVec

	// Webhook metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Store backend metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Store janitor metrics
	StoreCleanupRunsTotal     prometheus.Counter
	StoreCleanupRecordsPruned prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment intent lifecycle metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_total",
				Help: "Total number of payment verification/settlement attempts",
			},
			[]string{"scheme", "network"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_success_total",
				Help: "Total number of successfully authorized payments",
			},
			[]string{"scheme", "network"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_failed_total",
				Help: "Total number of rejected payment authorizations",
			},
			[]string{"scheme", "network", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payment_amount_zatoshi_total",
				Help: "Total payment amount in zatoshi",
			},
			[]string{"scheme", "network"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_payment_duration_seconds",
				Help:    "Time taken to authorize a payment (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"scheme", "network"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_settlement_duration_seconds",
				Help:    "Time from payment authorization to required-confirmations settlement",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"network"},
		),

		// Zcash node RPC metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rpc_calls_total",
				Help: "Total number of RPC calls to the Zcash node",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to the Zcash node (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rpc_errors_total",
				Help: "Total number of RPC errors from the Zcash node",
			},
			[]string{"method", "network", "error_type"},
		),

		// Refund metrics
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_refunds_total",
				Help: "Total number of refund requests",
			},
			[]string{"status"},
		),
		RefundAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_refund_amount_zatoshi_total",
				Help: "Total refund amount in zatoshi",
			},
			[]string{"scheme"},
		),
		RefundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_refund_duration_seconds",
				Help:    "Time taken to process a refund request",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"scheme"},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_webhooks_total",
				Help: "Total number of webhook deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_webhook_retries_total",
				Help: "Total number of webhook retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_webhook_dlq_total",
				Help: "Total number of webhook deliveries sent to the dead-letter queue",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_webhook_duration_seconds",
				Help:    "Time taken for a single webhook delivery attempt",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Store backend metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_db_query_duration_seconds",
				Help:    "Store query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "facilitator_db_connections_active",
				Help: "Number of active store backend connections",
			},
		),

		// Store janitor metrics
		StoreCleanupRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "facilitator_store_cleanup_runs_total",
				Help: "Total number of memory store janitor sweeps",
			},
		),
		StoreCleanupRecordsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "facilitator_store_cleanup_records_pruned_total",
				Help: "Total number of expired/terminal records pruned by the memory store janitor",
			},
		),
	}
}

// ObservePayment records a payment authorization attempt and its outcome.
func (m *Metrics) ObservePayment(scheme, network string, success bool, duration time.Duration, amountZatoshi int64) {
	m.PaymentsTotal.WithLabelValues(scheme, network).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(scheme, network).Inc()
		m.PaymentAmountTotal.WithLabelValues(scheme, network).Add(float64(amountZatoshi))
	}
	m.PaymentDuration.WithLabelValues(scheme, network).Observe(duration.Seconds())
}

// ObservePaymentFailure records a rejected payment authorization with reason.
func (m *Metrics) ObservePaymentFailure(scheme, network, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(scheme, network, reason).Inc()
}

// ObserveSettlement records the time from authorization to settlement.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveRPCCall records an RPC call to the Zcash node.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errorType := "other"
		switch errStr := strings.ToLower(err.Error()); {
		case strings.Contains(errStr, "timeout"):
			errorType = "timeout"
		case strings.Contains(errStr, "rate limit"):
			errorType = "rate_limit"
		case strings.Contains(errStr, "connection"):
			errorType = "connection"
		case strings.Contains(errStr, "not found"):
			errorType = "not_found"
		}
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveRefund records a refund operation.
func (m *Metrics) ObserveRefund(status string, amountZatoshi int64, duration time.Duration, scheme string) {
	m.RefundsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.RefundAmountTotal.WithLabelValues(scheme).Add(float64(amountZatoshi))
	}
	m.RefundDuration.WithLabelValues(scheme).Observe(duration.Seconds())
}

// ObserveWebhook records a webhook delivery attempt.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a store backend query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveStoreCleanup records a memory store janitor sweep.
func (m *Metrics) ObserveStoreCleanup(recordsPruned int64) {
	m.StoreCleanupRunsTotal.Inc()
	m.StoreCleanupRecordsPruned.Add(float64(recordsPruned))
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
