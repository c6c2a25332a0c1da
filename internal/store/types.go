// Package store is the durable lifecycle store: the authoritative record of
// PaymentIntent and TxRecord state, and the single serializer of every
// transition between them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a TryTransition's (from, to) pair is
// not in the PaymentIntent state table.
var ErrInvalidTransition = errors.New("store: invalid transition")

// ErrAlreadyTerminal is returned when a transition is attempted on an intent
// already in a terminal state other than the one explicit Settled→Refunded path.
var ErrAlreadyTerminal = errors.New("store: already terminal")

// ErrRefundExceedsAmount is returned when a refund amount exceeds the
// intent's settled amount.
var ErrRefundExceedsAmount = errors.New("store: refund exceeds amount")

// IntentState is the closed enumeration of PaymentIntent lifecycle states.
type IntentState string

const (
	StateCreated              IntentState = "Created"
	StateAwaitingConfirmation IntentState = "AwaitingConfirmation"
	StateVerified             IntentState = "Verified"
	StateSettled              IntentState = "Settled"
	StateExpired              IntentState = "Expired"
	StateRefunded             IntentState = "Refunded"
	StateFailed               IntentState = "Failed"
)

// IsTerminal reports whether s admits no further transitions, except the
// single explicit Settled→Refunded path handled separately by validTransitions.
func (s IntentState) IsTerminal() bool {
	switch s {
	case StateSettled, StateExpired, StateRefunded, StateFailed:
		return true
	default:
		return false
	}
}

// Scheme and Network mirror pkg/zcash402's wire enumerations; duplicated
// here (rather than imported) so the store has no dependency on the
// protocol engine package, matching the ownership split of §3/§4.3.
type Scheme string

const (
	SchemeTransparent Scheme = "transparent"
	SchemeShielded    Scheme = "shielded"
)

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// PaymentIntent is the authoritative record for a single payment request.
type PaymentIntent struct {
	ID           string
	MerchantID   string
	Amount       int64 // zatoshis
	Currency     string // always "ZEC"
	Resource     string
	PayToAddress string
	Scheme       Scheme
	Network      Network
	Metadata     map[string]string

	CreatedAt time.Time
	ExpiresAt time.Time
	State     IntentState

	ObservedTxid string
	ObservedFrom string
	ObservedAt   *time.Time

	Confirmations int

	SettledAt *time.Time

	RefundedAt   *time.Time
	RefundAmount int64
	RefundReason string

	RequiredConfirmations int
}

// TxRecord is a per-on-chain-transaction audit record bound to at most one
// PaymentIntent.
type TxRecord struct {
	Txid            string
	PaymentIntentID string
	Amount          int64
	From            string
	To              string
	BlockHeight     *int64
	Confirmations   int
	FirstSeenAt     time.Time
	LastCheckedAt   time.Time
	Status          TxStatus
}

// TxStatus is the closed enumeration of TxRecord states.
type TxStatus string

const (
	TxStatusMempool   TxStatus = "mempool"
	TxStatusConfirming TxStatus = "confirming"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusLost      TxStatus = "lost"
)

// MonitorCursor is the singleton crash-safe bookmark for the block scan loop.
type MonitorCursor struct {
	LastScannedHeight int64
	LastScannedAt     time.Time
}

// Merchant is the minimal tenant record the facilitator needs: a payout
// address and webhook configuration. Registration/login/API-key
// provisioning are out of scope (§1); this record is the durable anchor
// those external systems write into.
type Merchant struct {
	ID                    string
	Name                  string
	WebhookURL            string
	WebhookSecret         string
	RequiredConfirmations int
	CreatedAt             time.Time
}

// WebhookEventType is the closed enumeration of outbound webhook events.
type WebhookEventType string

const (
	EventPaymentPending  WebhookEventType = "payment.pending"
	EventPaymentVerified WebhookEventType = "payment.verified"
	EventPaymentSettled  WebhookEventType = "payment.settled"
	EventPaymentFailed   WebhookEventType = "payment.failed"
	EventPaymentExpired  WebhookEventType = "payment.expired"
	EventPaymentRefunded WebhookEventType = "payment.refunded"
)

// WebhookDeliveryState is the closed enumeration of WebhookDelivery states.
type WebhookDeliveryState string

const (
	DeliveryPending  WebhookDeliveryState = "pending"
	DeliveryRetrying WebhookDeliveryState = "retrying"
	DeliverySent     WebhookDeliveryState = "sent"
	DeliveryFailed   WebhookDeliveryState = "failed"
)

// WebhookDelivery is one attempt record per (event, target).
type WebhookDelivery struct {
	ID              string
	MerchantID      string
	PaymentIntentID string
	EventType       WebhookEventType
	Payload         []byte
	TargetURL       string
	State           WebhookDeliveryState
	Attempts        int
	MaxAttempts     int
	LastHTTPCode    int
	LastError       string
	CreatedAt       time.Time
	NextAttemptAt   time.Time
	LastAttemptAt   *time.Time
	DeliveredAt     *time.Time
}

// IntentFilter narrows ListIntents queries.
type IntentFilter struct {
	MerchantID string
	States     []IntentState
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit      int
	Offset     int
}

// WebhookFilter narrows ListDeliveries queries.
type WebhookFilter struct {
	MerchantID string
	States     []WebhookDeliveryState
	Limit      int
	Offset     int
}

// IntentCounts is the aggregate result of CountIntentsByState.
type IntentCounts struct {
	State IntentState
	Count int64
	Sum   int64 // zatoshis
}

// Store is the durable persistence and CAS-transition surface for the
// payment lifecycle. All writers to PaymentIntent/TxRecord go through
// TryTransition; every other consumer reads via the typed query methods.
type Store interface {
	// PaymentIntent lifecycle
	CreateIntent(ctx context.Context, intent PaymentIntent) error
	GetIntent(ctx context.Context, id string) (PaymentIntent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]PaymentIntent, error)
	OpenIntents(ctx context.Context) ([]PaymentIntent, error)        // state in {Created, AwaitingConfirmation, Verified}, expiresAt > now
	ExpiredIntents(ctx context.Context, asOf time.Time) ([]PaymentIntent, error)
	CountIntentsByState(ctx context.Context, merchantID string, since time.Time) ([]IntentCounts, error)

	// TryTransition is the sole mutator of PaymentIntent state. It performs a
	// compare-and-set on (id, from) -> to, applies patch fields atomically,
	// and enqueues the corresponding WebhookDelivery in state pending within
	// the same transaction. A "no rows affected" result where the intent's
	// current state already equals to is reported as success (idempotency).
	TryTransition(ctx context.Context, id string, from, to IntentState, patch IntentPatch) error

	Refund(ctx context.Context, id string, amount int64, reason string) (PaymentIntent, error)

	// TxRecord
	UpsertTxRecord(ctx context.Context, tx TxRecord) error
	GetTxRecord(ctx context.Context, txid string) (TxRecord, error)
	TxRecordsSince(ctx context.Context, minBlockHeight int64) ([]TxRecord, error)
	IsTxidBound(ctx context.Context, txid, excludeIntentID string) (bool, error)

	// MonitorCursor
	GetCursor(ctx context.Context) (MonitorCursor, error)
	SaveCursor(ctx context.Context, cursor MonitorCursor) error

	// Merchant
	GetMerchant(ctx context.Context, id string) (Merchant, error)
	UpsertMerchant(ctx context.Context, m Merchant) error

	// WebhookDelivery
	EnqueueDelivery(ctx context.Context, d WebhookDelivery) error
	DueDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (WebhookDelivery, error)
	ListDeliveries(ctx context.Context, filter WebhookFilter) ([]WebhookDelivery, error)
	MarkDeliverySent(ctx context.Context, id string, httpCode int) error
	MarkDeliveryRetrying(ctx context.Context, id string, httpCode int, errMsg string, nextAttemptAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, id string, httpCode int, errMsg string) error
	RetryDelivery(ctx context.Context, id string) error

	Close() error
}

// IntentPatch carries the fields a transition may set. Zero values mean
// "leave unchanged" except where a pointer/explicit flag says otherwise.
type IntentPatch struct {
	ObservedTxid  *string
	ObservedFrom  *string
	ObservedAt    *time.Time
	Confirmations *int
	SettledAt     *time.Time
	ClearObserved bool // reorg: wipe ObservedTxid/From/Confirmations/SettledAt
}
