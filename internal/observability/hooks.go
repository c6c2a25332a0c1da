package observability

import (
	"context"
	"time"
)

// Hook is the base interface for all observability hooks.
// Implementations can emit events to DataDog, New Relic, OpenTelemetry, etc.
type Hook interface {
	// Name returns the hook's identifier for logging/debugging
	Name() string
}

// PaymentHook receives events during the payment lifecycle.
type PaymentHook interface {
	Hook

	// OnPaymentStarted is called when an authorization attempt is received.
	OnPaymentStarted(ctx context.Context, event PaymentStartedEvent)

	// OnPaymentCompleted is called when an authorization succeeds or fails.
	OnPaymentCompleted(ctx context.Context, event PaymentCompletedEvent)

	// OnPaymentSettled is called when a payment reaches its required
	// confirmation threshold on-chain.
	OnPaymentSettled(ctx context.Context, event PaymentSettledEvent)
}

// WebhookHook receives events during webhook delivery.
type WebhookHook interface {
	Hook

	// OnWebhookQueued is called when a webhook is added to the delivery queue.
	OnWebhookQueued(ctx context.Context, event WebhookQueuedEvent)

	// OnWebhookDelivered is called when a webhook is successfully delivered.
	OnWebhookDelivered(ctx context.Context, event WebhookDeliveredEvent)

	// OnWebhookFailed is called when a webhook delivery fails.
	OnWebhookFailed(ctx context.Context, event WebhookFailedEvent)

	// OnWebhookRetried is called when a webhook is scheduled for retry.
	OnWebhookRetried(ctx context.Context, event WebhookRetriedEvent)
}

// RefundHook receives events during the refund lifecycle.
type RefundHook interface {
	Hook

	// OnRefundRequested is called when a refund is requested.
	OnRefundRequested(ctx context.Context, event RefundRequestedEvent)

	// OnRefundProcessed is called when a refund is processed (success or failure).
	OnRefundProcessed(ctx context.Context, event RefundProcessedEvent)
}

// RPCHook receives events from Zcash node RPC calls.
type RPCHook interface {
	Hook

	// OnRPCCall is called after an RPC call completes.
	OnRPCCall(ctx context.Context, event RPCCallEvent)
}

// DatabaseHook receives events from store backend operations.
type DatabaseHook interface {
	Hook

	// OnDatabaseQuery is called for store queries.
	OnDatabaseQuery(ctx context.Context, event DatabaseQueryEvent)
}

// ===============================================
// Event Types
// ===============================================

// PaymentStartedEvent is emitted when a payment authorization attempt is received.
type PaymentStartedEvent struct {
	Timestamp    time.Time
	PaymentID    string
	Scheme       string // "transparent" or "shielded"
	ResourceID   string
	AmountZatoshi int64
	PayerAddress string // Payer's t-address (empty for shielded payments)
	Metadata     map[string]string
}

// PaymentCompletedEvent is emitted when a payment authorization completes.
type PaymentCompletedEvent struct {
	Timestamp     time.Time
	PaymentID     string
	Scheme        string
	ResourceID    string
	Success       bool
	ErrorReason   string // Set if Success=false
	AmountZatoshi int64
	PayerAddress  string
	Duration      time.Duration // Time from start to completion
	Txid          string
	Metadata      map[string]string
}

// PaymentSettledEvent is emitted when on-chain settlement is confirmed.
type PaymentSettledEvent struct {
	Timestamp          time.Time
	PaymentID          string
	Network            string // "mainnet" or "testnet"
	Txid               string
	Confirmations      int
	SettlementDuration time.Duration // Time from authorization to settlement
}

// WebhookQueuedEvent is emitted when a webhook is queued for delivery.
type WebhookQueuedEvent struct {
	Timestamp time.Time
	WebhookID string
	EventType string // e.g. "payment.verified", "payment.settled"
	URL       string
	EventID   string // Idempotency key for the webhook event
	Metadata  map[string]string
}

// WebhookDeliveredEvent is emitted when a webhook is successfully delivered.
type WebhookDeliveredEvent struct {
	Timestamp  time.Time
	WebhookID  string
	EventType  string
	URL        string
	EventID    string
	Attempts   int
	Duration   time.Duration
	StatusCode int
}

// WebhookFailedEvent is emitted when a webhook delivery fails.
type WebhookFailedEvent struct {
	Timestamp    time.Time
	WebhookID    string
	EventType    string
	URL          string
	EventID      string
	Attempts     int
	Error        string
	FinalFailure bool // true if all retries exhausted
}

// WebhookRetriedEvent is emitted when a webhook is scheduled for retry.
type WebhookRetriedEvent struct {
	Timestamp      time.Time
	WebhookID      string
	EventType      string
	URL            string
	EventID        string
	CurrentAttempt int
	MaxAttempts    int
	NextRetryAt    time.Time
	BackoffSeconds float64
}

// RefundRequestedEvent is emitted when a refund is requested.
type RefundRequestedEvent struct {
	Timestamp       time.Time
	RefundID        string
	PaymentIntentID string
	RefundToAddress string
	AmountZatoshi   int64
	Reason          string
	Metadata        map[string]string
}

// RefundProcessedEvent is emitted when a refund is processed.
type RefundProcessedEvent struct {
	Timestamp       time.Time
	RefundID        string
	PaymentIntentID string
	Success         bool
	ErrorReason     string
	AmountZatoshi   int64
	Txid            string
	Duration        time.Duration
	Metadata        map[string]string
}

// RPCCallEvent is emitted for Zcash node RPC calls.
type RPCCallEvent struct {
	Timestamp time.Time
	Method    string // "getrawtransaction", "getblock", "sendrawtransaction", etc.
	Network   string // "mainnet" or "testnet"
	Duration  time.Duration
	Success   bool
	ErrorType string // "timeout", "rate_limit", "connection", "not_found", "other"
	Metadata  map[string]string
}

// DatabaseQueryEvent is emitted for store backend operations.
type DatabaseQueryEvent struct {
	Timestamp time.Time
	Operation string // "get", "list", "save", "delete", etc.
	Backend   string // "postgres", "memory"
	Duration  time.Duration
	Success   bool
	Error     string
	Metadata  map[string]string
}
