package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestIntent(id string, state IntentState) PaymentIntent {
	now := time.Now()
	return PaymentIntent{
		ID:                    id,
		MerchantID:            "merchant_1",
		Amount:                100000000,
		Currency:              "ZEC",
		PayToAddress:          "t1abcdefghijklmnopqrstuvwxyz0123456",
		Scheme:                SchemeTransparent,
		Network:               NetworkMainnet,
		CreatedAt:             now,
		ExpiresAt:             now.Add(time.Hour),
		State:                 state,
		RequiredConfirmations: 6,
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from IntentState
		to   IntentState
		want bool
	}{
		{"created to awaiting", StateCreated, StateAwaitingConfirmation, true},
		{"created to expired", StateCreated, StateExpired, true},
		{"created to failed", StateCreated, StateFailed, true},
		{"created to settled (skips steps)", StateCreated, StateSettled, false},
		{"awaiting to verified", StateAwaitingConfirmation, StateVerified, true},
		{"awaiting to created (reorg)", StateAwaitingConfirmation, StateCreated, true},
		{"verified to settled", StateVerified, StateSettled, true},
		{"verified to created (reorg)", StateVerified, StateCreated, true},
		{"settled to refunded", StateSettled, StateRefunded, true},
		{"settled to failed (terminal)", StateSettled, StateFailed, false},
		{"expired to anything", StateExpired, StateCreated, false},
		{"refunded to anything", StateRefunded, StateSettled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMemoryStore_TryTransition_HappyPath(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateCreated)
	if err := s.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}

	if err := s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{}); err != nil {
		t.Fatalf("TryTransition() error = %v", err)
	}

	got, err := s.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent() error = %v", err)
	}
	if got.State != StateAwaitingConfirmation {
		t.Errorf("State = %v, want %v", got.State, StateAwaitingConfirmation)
	}
}

func TestMemoryStore_TryTransition_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateCreated)
	_ = s.CreateIntent(ctx, intent)
	_ = s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{})

	// Retrying the same transition once it has already applied must be a
	// no-op success, not an error.
	if err := s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{}); err != nil {
		t.Errorf("repeated TryTransition() error = %v, want nil (idempotent)", err)
	}

	got, _ := s.GetIntent(ctx, "pi_1")
	if got.State != StateAwaitingConfirmation {
		t.Errorf("State = %v, want %v", got.State, StateAwaitingConfirmation)
	}
}

func TestMemoryStore_TryTransition_InvalidPair(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateCreated)
	_ = s.CreateIntent(ctx, intent)

	err := s.TryTransition(ctx, "pi_1", StateCreated, StateSettled, IntentPatch{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("TryTransition() error = %v, want ErrInvalidTransition", err)
	}
}

func TestMemoryStore_TryTransition_TerminalRejectsFurtherTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateFailed)
	_ = s.CreateIntent(ctx, intent)

	err := s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("TryTransition() error = %v, want ErrAlreadyTerminal", err)
	}
}

func TestMemoryStore_TryTransition_SettledToRefundedException(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateSettled)
	_ = s.CreateIntent(ctx, intent)

	if err := s.TryTransition(ctx, "pi_1", StateSettled, StateRefunded, IntentPatch{}); err != nil {
		t.Errorf("TryTransition(Settled->Refunded) error = %v, want nil", err)
	}
}

func TestMemoryStore_TryTransition_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.TryTransition(ctx, "nope", StateCreated, StateAwaitingConfirmation, IntentPatch{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("TryTransition() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TryTransition_ReorgClearsObserved(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateAwaitingConfirmation)
	intent.ObservedTxid = "deadbeef"
	intent.ObservedFrom = "t1someaddress"
	intent.Confirmations = 1
	_ = s.CreateIntent(ctx, intent)

	if err := s.TryTransition(ctx, "pi_1", StateAwaitingConfirmation, StateCreated, IntentPatch{ClearObserved: true}); err != nil {
		t.Fatalf("TryTransition() error = %v", err)
	}

	got, _ := s.GetIntent(ctx, "pi_1")
	if got.ObservedTxid != "" || got.ObservedFrom != "" || got.Confirmations != 0 {
		t.Errorf("reorg did not clear observed fields: %+v", got)
	}
}

func TestMemoryStore_TryTransition_EnqueuesWebhookOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateCreated)
	_ = s.CreateIntent(ctx, intent)

	_ = s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{})
	// Idempotent retry of the same transition must not enqueue a second
	// delivery for the same (paymentIntentId, eventType) pair.
	_ = s.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{})

	due, err := s.DueDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("DueDeliveries() error = %v", err)
	}

	count := 0
	for _, d := range due {
		if d.PaymentIntentID == "pi_1" && d.EventType == EventPaymentPending {
			count++
		}
	}
	if count != 1 {
		t.Errorf("enqueued %d deliveries for (pi_1, payment.pending), want 1", count)
	}
}

func TestMemoryStore_Refund(t *testing.T) {
	tests := []struct {
		name    string
		state   IntentState
		amount  int64
		wantErr error
	}{
		{"full refund of settled intent", StateSettled, 100000000, nil},
		{"partial refund", StateSettled, 50000000, nil},
		{"refund exceeds amount", StateSettled, 200000000, ErrRefundExceedsAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			ctx := context.Background()
			intent := newTestIntent("pi_1", tt.state)
			_ = s.CreateIntent(ctx, intent)

			_, err := s.Refund(ctx, "pi_1", tt.amount, "customer request")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Refund() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Refund() error = %v", err)
			}
			got, _ := s.GetIntent(ctx, "pi_1")
			if got.State != StateRefunded {
				t.Errorf("State = %v, want %v", got.State, StateRefunded)
			}
			if got.RefundAmount != tt.amount {
				t.Errorf("RefundAmount = %d, want %d", got.RefundAmount, tt.amount)
			}
		})
	}
}

func TestMemoryStore_IsTxidBound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertTxRecord(ctx, TxRecord{
		Txid:            "tx1",
		PaymentIntentID: "pi_1",
		Amount:          100000000,
		From:            "t1from",
		To:              "t1to",
		Status:          TxStatusConfirming,
	}); err != nil {
		t.Fatalf("UpsertTxRecord() error = %v", err)
	}

	bound, err := s.IsTxidBound(ctx, "tx1", "pi_2")
	if err != nil {
		t.Fatalf("IsTxidBound() error = %v", err)
	}
	if !bound {
		t.Errorf("IsTxidBound(tx1, pi_2) = false, want true (already bound to pi_1)")
	}

	notBound, err := s.IsTxidBound(ctx, "tx1", "pi_1")
	if err != nil {
		t.Fatalf("IsTxidBound() error = %v", err)
	}
	if notBound {
		t.Errorf("IsTxidBound(tx1, pi_1) = true, want false (excluding the owning intent)")
	}

	unseenBound, err := s.IsTxidBound(ctx, "tx-never-seen", "pi_1")
	if err != nil {
		t.Fatalf("IsTxidBound() error = %v", err)
	}
	if unseenBound {
		t.Errorf("IsTxidBound(unseen) = true, want false")
	}
}

func TestMemoryStore_UpsertTxRecord_PreservesBindingAndFirstSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := time.Now().Add(-time.Hour)
	_ = s.UpsertTxRecord(ctx, TxRecord{
		Txid:            "tx1",
		PaymentIntentID: "pi_1",
		Amount:          100000000,
		FirstSeenAt:     first,
		LastCheckedAt:   first,
		Status:          TxStatusMempool,
	})

	later := time.Now()
	_ = s.UpsertTxRecord(ctx, TxRecord{
		Txid:          "tx1",
		Amount:        100000000,
		LastCheckedAt: later,
		Confirmations: 3,
		Status:        TxStatusConfirming,
	})

	got, err := s.GetTxRecord(ctx, "tx1")
	if err != nil {
		t.Fatalf("GetTxRecord() error = %v", err)
	}
	if got.PaymentIntentID != "pi_1" {
		t.Errorf("PaymentIntentID = %q, want %q (should be preserved)", got.PaymentIntentID, "pi_1")
	}
	if !got.FirstSeenAt.Equal(first) {
		t.Errorf("FirstSeenAt = %v, want %v (should be preserved)", got.FirstSeenAt, first)
	}
	if got.Confirmations != 3 {
		t.Errorf("Confirmations = %d, want 3", got.Confirmations)
	}
	if got.Status != TxStatusConfirming {
		t.Errorf("Status = %v, want %v", got.Status, TxStatusConfirming)
	}
}

func TestMemoryStore_ExpiredIntents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	expired := newTestIntent("pi_expired", StateCreated)
	expired.ExpiresAt = now.Add(-time.Minute)
	_ = s.CreateIntent(ctx, expired)

	notExpired := newTestIntent("pi_live", StateCreated)
	notExpired.ExpiresAt = now.Add(time.Hour)
	_ = s.CreateIntent(ctx, notExpired)

	observedButExpired := newTestIntent("pi_observed", StateAwaitingConfirmation)
	observedButExpired.ExpiresAt = now.Add(-time.Minute)
	observedButExpired.ObservedTxid = "tx_seen"
	_ = s.CreateIntent(ctx, observedButExpired)

	got, err := s.ExpiredIntents(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredIntents() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "pi_expired" {
		t.Errorf("ExpiredIntents() = %+v, want only pi_expired", got)
	}
}

func TestMemoryStore_ListIntents_FiltersByMerchantAndState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newTestIntent("pi_a", StateCreated)
	a.MerchantID = "m1"
	b := newTestIntent("pi_b", StateSettled)
	b.MerchantID = "m1"
	c := newTestIntent("pi_c", StateCreated)
	c.MerchantID = "m2"
	for _, intent := range []PaymentIntent{a, b, c} {
		_ = s.CreateIntent(ctx, intent)
	}

	got, err := s.ListIntents(ctx, IntentFilter{MerchantID: "m1", States: []IntentState{StateCreated}})
	if err != nil {
		t.Fatalf("ListIntents() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "pi_a" {
		t.Errorf("ListIntents() = %+v, want only pi_a", got)
	}
}

func TestMemoryStore_CreateIntent_DuplicateID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	intent := newTestIntent("pi_1", StateCreated)
	if err := s.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent() error = %v", err)
	}
	if err := s.CreateIntent(ctx, intent); err == nil {
		t.Error("CreateIntent() with duplicate id should error")
	}
}

func TestMemoryStore_DueDeliveries_RespectsNextAttemptAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.EnqueueDelivery(ctx, WebhookDelivery{
		ID:              "whd_future",
		MerchantID:      "m1",
		PaymentIntentID: "pi_1",
		EventType:       EventPaymentSettled,
		State:           DeliveryPending,
		NextAttemptAt:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("EnqueueDelivery() error = %v", err)
	}
	if err := s.EnqueueDelivery(ctx, WebhookDelivery{
		ID:              "whd_due",
		MerchantID:      "m1",
		PaymentIntentID: "pi_2",
		EventType:       EventPaymentSettled,
		State:           DeliveryPending,
		NextAttemptAt:   time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("EnqueueDelivery() error = %v", err)
	}

	due, err := s.DueDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("DueDeliveries() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != "whd_due" {
		t.Errorf("DueDeliveries() = %+v, want only whd_due", due)
	}
}

func TestMemoryStore_MarkDeliveryRetrying(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.EnqueueDelivery(ctx, WebhookDelivery{
		ID:              "whd_1",
		PaymentIntentID: "pi_1",
		EventType:       EventPaymentSettled,
		State:           DeliveryPending,
	})

	next := time.Now().Add(5 * time.Second)
	if err := s.MarkDeliveryRetrying(ctx, "whd_1", 503, "service unavailable", next); err != nil {
		t.Fatalf("MarkDeliveryRetrying() error = %v", err)
	}

	got, err := s.GetDelivery(ctx, "whd_1")
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if got.State != DeliveryRetrying {
		t.Errorf("State = %v, want %v", got.State, DeliveryRetrying)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LastHTTPCode != 503 {
		t.Errorf("LastHTTPCode = %d, want 503", got.LastHTTPCode)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}
}
