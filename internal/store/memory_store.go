package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation for tests and
// single-instance development, mirroring the teacher's mutex-guarded map
// approach rather than a real transactional backend.
type MemoryStore struct {
	mu sync.Mutex

	intents   map[string]PaymentIntent
	txRecords map[string]TxRecord
	cursor    MonitorCursor
	merchants map[string]Merchant
	deliveries map[string]WebhookDelivery
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:    make(map[string]PaymentIntent),
		txRecords:  make(map[string]TxRecord),
		merchants:  make(map[string]Merchant),
		deliveries: make(map[string]WebhookDelivery),
	}
}

func (m *MemoryStore) Close() error { return nil }

func generateID(prefix string) string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// CreateIntent stores a new PaymentIntent in state Created.
func (m *MemoryStore) CreateIntent(_ context.Context, intent PaymentIntent) error {
	if intent.ID == "" {
		return fmt.Errorf("store: intent requires id")
	}
	if intent.State == "" {
		intent.State = StateCreated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.intents[intent.ID]; exists {
		return fmt.Errorf("store: intent %s already exists", intent.ID)
	}
	m.intents[intent.ID] = intent
	return nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id string) (PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	return intent, nil
}

func (m *MemoryStore) ListIntents(_ context.Context, filter IntentFilter) ([]PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantState := make(map[IntentState]bool, len(filter.States))
	for _, s := range filter.States {
		wantState[s] = true
	}

	var out []PaymentIntent
	for _, intent := range m.intents {
		if filter.MerchantID != "" && intent.MerchantID != filter.MerchantID {
			continue
		}
		if len(filter.States) > 0 && !wantState[intent.State] {
			continue
		}
		if !filter.CreatedAfter.IsZero() && intent.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && intent.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		out = append(out, intent)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenIntents(_ context.Context) ([]PaymentIntent, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PaymentIntent
	for _, intent := range m.intents {
		switch intent.State {
		case StateCreated, StateAwaitingConfirmation, StateVerified:
			if intent.ExpiresAt.After(now) {
				out = append(out, intent)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ExpiredIntents(_ context.Context, asOf time.Time) ([]PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PaymentIntent
	for _, intent := range m.intents {
		if (intent.State == StateCreated || intent.State == StateAwaitingConfirmation) &&
			asOf.After(intent.ExpiresAt) && intent.ObservedTxid == "" {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountIntentsByState(_ context.Context, merchantID string, since time.Time) ([]IntentCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[IntentState]*IntentCounts)
	for _, intent := range m.intents {
		if merchantID != "" && intent.MerchantID != merchantID {
			continue
		}
		if intent.CreatedAt.Before(since) {
			continue
		}
		c, ok := byState[intent.State]
		if !ok {
			c = &IntentCounts{State: intent.State}
			byState[intent.State] = c
		}
		c.Count++
		c.Sum += intent.Amount
	}

	out := make([]IntentCounts, 0, len(byState))
	for _, c := range byState {
		out = append(out, *c)
	}
	return out, nil
}

// TryTransition performs the compare-and-set described in §4.3: a
// "no rows affected" case where the current state already equals to is
// reported as success, giving idempotent retries.
func (m *MemoryStore) TryTransition(_ context.Context, id string, from, to IntentState, patch IntentPatch) error {
	if !IsValidTransition(from, to) {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return ErrNotFound
	}

	if intent.State == to {
		return nil // already applied; idempotent no-op
	}
	if intent.State != from {
		if intent.State.IsTerminal() && !(intent.State == StateSettled && to == StateRefunded) {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}

	applyPatch(&intent, patch)
	intent.State = to
	m.intents[id] = intent

	if eventType, ok := webhookEventForTransition(from, to); ok {
		m.enqueueDeliveryLocked(intent, eventType)
	}

	return nil
}

func applyPatch(intent *PaymentIntent, patch IntentPatch) {
	if patch.ClearObserved {
		intent.ObservedTxid = ""
		intent.ObservedFrom = ""
		intent.Confirmations = 0
		intent.SettledAt = nil
	}
	if patch.ObservedTxid != nil {
		intent.ObservedTxid = *patch.ObservedTxid
	}
	if patch.ObservedFrom != nil {
		intent.ObservedFrom = *patch.ObservedFrom
	}
	if patch.ObservedAt != nil {
		intent.ObservedAt = patch.ObservedAt
	}
	if patch.Confirmations != nil {
		intent.Confirmations = *patch.Confirmations
	}
	if patch.SettledAt != nil {
		intent.SettledAt = patch.SettledAt
	}
}

// Refund transitions a Settled intent to Refunded, recording the amount and
// reason. amount must not exceed the intent's paid amount.
func (m *MemoryStore) Refund(_ context.Context, id string, amount int64, reason string) (PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	intent, ok := m.intents[id]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	if intent.State != StateSettled {
		return PaymentIntent{}, fmt.Errorf("store: refund requires state Settled, got %s", intent.State)
	}
	if amount > intent.Amount {
		return PaymentIntent{}, ErrRefundExceedsAmount
	}

	now := time.Now()
	intent.State = StateRefunded
	intent.RefundAmount = amount
	intent.RefundReason = reason
	intent.RefundedAt = &now
	m.intents[id] = intent

	m.enqueueDeliveryLocked(intent, EventPaymentRefunded)

	return intent, nil
}

func (m *MemoryStore) UpsertTxRecord(_ context.Context, tx TxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.txRecords[tx.Txid]
	if exists {
		// Txid and its PaymentIntent binding are immutable once set.
		tx.PaymentIntentID = existing.PaymentIntentID
		if existing.FirstSeenAt.Before(tx.FirstSeenAt) || tx.FirstSeenAt.IsZero() {
			tx.FirstSeenAt = existing.FirstSeenAt
		}
	}
	if tx.FirstSeenAt.IsZero() {
		tx.FirstSeenAt = time.Now()
	}
	m.txRecords[tx.Txid] = tx
	return nil
}

func (m *MemoryStore) GetTxRecord(_ context.Context, txid string) (TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txRecords[txid]
	if !ok {
		return TxRecord{}, ErrNotFound
	}
	return tx, nil
}

func (m *MemoryStore) TxRecordsSince(_ context.Context, minBlockHeight int64) ([]TxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TxRecord
	for _, tx := range m.txRecords {
		if tx.BlockHeight != nil && *tx.BlockHeight >= minBlockHeight {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *MemoryStore) IsTxidBound(_ context.Context, txid, excludeIntentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txRecords[txid]
	if !ok {
		return false, nil
	}
	return tx.PaymentIntentID != "" && tx.PaymentIntentID != excludeIntentID, nil
}

func (m *MemoryStore) GetCursor(_ context.Context) (MonitorCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, cursor MonitorCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	return nil
}

func (m *MemoryStore) GetMerchant(_ context.Context, id string) (Merchant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merchant, ok := m.merchants[id]
	if !ok {
		return Merchant{}, ErrNotFound
	}
	return merchant, nil
}

func (m *MemoryStore) UpsertMerchant(_ context.Context, merchant Merchant) error {
	if merchant.ID == "" {
		return fmt.Errorf("store: merchant requires id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merchants[merchant.ID] = merchant
	return nil
}

func (m *MemoryStore) EnqueueDelivery(_ context.Context, d WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueDeliveryRawLocked(d)
}

// enqueueDeliveryLocked builds and enqueues the WebhookDelivery for a
// transition, keyed by (paymentIntentId, eventType) so double delivery of
// the same event is a no-op. Caller must hold m.mu.
func (m *MemoryStore) enqueueDeliveryLocked(intent PaymentIntent, eventType WebhookEventType) {
	for _, d := range m.deliveries {
		if d.PaymentIntentID == intent.ID && d.EventType == eventType {
			return // already enqueued for this (intent, eventType)
		}
	}
	_ = m.enqueueDeliveryRawLocked(WebhookDelivery{
		ID:              generateID("whd"),
		MerchantID:      intent.MerchantID,
		PaymentIntentID: intent.ID,
		EventType:       eventType,
		TargetURL:       "", // resolved from Merchant at dispatch time
		State:           DeliveryPending,
		MaxAttempts:     5,
		CreatedAt:       time.Now(),
		NextAttemptAt:   time.Now(),
	})
}

func (m *MemoryStore) enqueueDeliveryRawLocked(d WebhookDelivery) error {
	if d.ID == "" {
		d.ID = generateID("whd")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.deliveries[d.ID] = d
	return nil
}

func (m *MemoryStore) DueDeliveries(_ context.Context, limit int) ([]WebhookDelivery, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WebhookDelivery
	for _, d := range m.deliveries {
		if (d.State == DeliveryPending || d.State == DeliveryRetrying) && !d.NextAttemptAt.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return WebhookDelivery{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, filter WebhookFilter) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantState := make(map[WebhookDeliveryState]bool, len(filter.States))
	for _, s := range filter.States {
		wantState[s] = true
	}

	var out []WebhookDelivery
	for _, d := range m.deliveries {
		if filter.MerchantID != "" && d.MerchantID != filter.MerchantID {
			continue
		}
		if len(filter.States) > 0 && !wantState[d.State] {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkDeliverySent(_ context.Context, id string, httpCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.State = DeliverySent
	d.Attempts++
	d.LastHTTPCode = httpCode
	d.LastAttemptAt = &now
	d.DeliveredAt = &now
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) MarkDeliveryRetrying(_ context.Context, id string, httpCode int, errMsg string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.State = DeliveryRetrying
	d.Attempts++
	d.LastHTTPCode = httpCode
	d.LastError = errMsg
	d.LastAttemptAt = &now
	d.NextAttemptAt = nextAttemptAt
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) MarkDeliveryFailed(_ context.Context, id string, httpCode int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	d.State = DeliveryFailed
	d.Attempts++
	d.LastHTTPCode = httpCode
	d.LastError = errMsg
	d.LastAttemptAt = &now
	m.deliveries[id] = d
	return nil
}

func (m *MemoryStore) RetryDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts = d.Attempts + 1
	d.State = DeliveryRetrying
	d.NextAttemptAt = time.Now()
	m.deliveries[id] = d
	return nil
}
