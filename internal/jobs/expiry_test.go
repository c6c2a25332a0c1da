package jobs

import (
	"testing"
	"time"

	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

func mustCreateIntent(t *testing.T, s store.Store, intent store.PaymentIntent) {
	t.Helper()
	if intent.ID == "" {
		t.Fatal("test intent needs an id")
	}
	if intent.State == "" {
		intent.State = store.StateCreated
	}
	if intent.ExpiresAt.IsZero() {
		intent.ExpiresAt = time.Now().Add(time.Hour)
	}
	if err := s.CreateIntent(t.Context(), intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
}

func TestExpiryJob_ExpiresUnboundPastDeadline(t *testing.T) {
	s := store.NewMemoryStore()
	mustCreateIntent(t, s, store.PaymentIntent{
		ID: "pi_1", MerchantID: "m1", State: store.StateCreated,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	mustCreateIntent(t, s, store.PaymentIntent{
		ID: "pi_2", MerchantID: "m1", State: store.StateAwaitingConfirmation,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	job := NewExpiryJob(s, zerolog.Nop())
	job.Run(t.Context())

	expired, err := s.GetIntent(t.Context(), "pi_1")
	if err != nil {
		t.Fatal(err)
	}
	if expired.State != store.StateExpired {
		t.Errorf("pi_1 state = %v, want Expired", expired.State)
	}

	notYet, err := s.GetIntent(t.Context(), "pi_2")
	if err != nil {
		t.Fatal(err)
	}
	if notYet.State != store.StateAwaitingConfirmation {
		t.Errorf("pi_2 state = %v, want unchanged AwaitingConfirmation", notYet.State)
	}
}

func TestExpiryJob_LeavesBoundIntentsForTheMonitor(t *testing.T) {
	s := store.NewMemoryStore()
	mustCreateIntent(t, s, store.PaymentIntent{
		ID: "pi_bound", MerchantID: "m1", State: store.StateAwaitingConfirmation,
		ExpiresAt: time.Now().Add(-time.Minute), ObservedTxid: "deadbeef",
	})

	job := NewExpiryJob(s, zerolog.Nop())
	job.Run(t.Context())

	intent, err := s.GetIntent(t.Context(), "pi_bound")
	if err != nil {
		t.Fatal(err)
	}
	if intent.State != store.StateAwaitingConfirmation {
		t.Errorf("bound intent should be left alone, got state %v", intent.State)
	}
}
