package webhook

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/store"
	"github.com/rs/zerolog"
)

func testMerchant(id, webhookURL, secret string) store.Merchant {
	return store.Merchant{ID: id, WebhookURL: webhookURL, WebhookSecret: secret}
}

func newTestEngine(s store.Store) *Engine {
	return New(Options{
		Store:  s,
		Config: config.WebhookConfig{Timeout: config.Duration{Duration: 2 * time.Second}, MaxAttempts: 5},
		Logger: zerolog.Nop(),
	})
}

func TestEngine_DeliversSuccessfully(t *testing.T) {
	var gotSig, gotEvent, gotDeliveryID, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotEvent = r.Header.Get("X-Event-Type")
		gotDeliveryID = r.Header.Get("X-Delivery-Id")
		gotTimestamp = r.Header.Get("X-Timestamp")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	if err := s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "whsec_test")); err != nil {
		t.Fatal(err)
	}

	d := store.WebhookDelivery{
		ID:          "whd_1",
		MerchantID:  "m1",
		EventType:   store.EventPaymentSettled,
		Payload:     []byte(`{"id":"whd_1","type":"payment.settled"}`),
		State:       store.DeliveryPending,
		MaxAttempts: 5,
	}
	if err := s.EnqueueDelivery(t.Context(), d); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	e := newTestEngine(s)
	e.processDelivery(t.Context(), d)

	got, err := s.GetDelivery(t.Context(), d.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.State != store.DeliverySent {
		t.Fatalf("state = %v, want %v", got.State, store.DeliverySent)
	}
	if got.LastHTTPCode != http.StatusOK || got.Attempts != 1 {
		t.Errorf("unexpected delivery: %+v", got)
	}
	if gotDeliveryID != "whd_1" || gotEvent != "payment.settled" {
		t.Errorf("unexpected headers: deliveryId=%q event=%q", gotDeliveryID, gotEvent)
	}
	ts, err := strconv.ParseInt(gotTimestamp, 10, 64)
	if err != nil {
		t.Fatalf("X-Timestamp not parseable: %v", gotTimestamp)
	}
	if !Verify("whsec_test", ts, d.Payload, gotSig) {
		t.Error("received signature does not verify against the delivered payload")
	}
}

func TestEngine_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	d := store.WebhookDelivery{
		ID: "whd_1", MerchantID: "m1", EventType: store.EventPaymentSettled,
		Payload: []byte(`{}`), State: store.DeliveryPending, MaxAttempts: 5,
	}
	_ = s.EnqueueDelivery(t.Context(), d)

	e := newTestEngine(s)

	e.processDelivery(t.Context(), d)
	after1, _ := s.GetDelivery(t.Context(), d.ID)
	if after1.State != store.DeliveryRetrying || after1.Attempts != 1 {
		t.Fatalf("after attempt 1: %+v", after1)
	}
	if after1.NextAttemptAt.Sub(time.Now()) > 2*time.Second {
		t.Errorf("expected first backoff near 1s, got nextAttemptAt in %v", time.Until(after1.NextAttemptAt))
	}

	e.processDelivery(t.Context(), after1)
	after2, _ := s.GetDelivery(t.Context(), d.ID)
	if after2.State != store.DeliverySent || after2.Attempts != 2 {
		t.Fatalf("after attempt 2: %+v", after2)
	}
}

func TestEngine_ExhaustsAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	d := store.WebhookDelivery{
		ID: "whd_1", MerchantID: "m1", EventType: store.EventPaymentFailed,
		Payload: []byte(`{}`), State: store.DeliveryPending, MaxAttempts: 2,
	}
	_ = s.EnqueueDelivery(t.Context(), d)

	e := newTestEngine(s)

	e.processDelivery(t.Context(), d)
	mid, _ := s.GetDelivery(t.Context(), d.ID)
	if mid.State != store.DeliveryRetrying {
		t.Fatalf("after attempt 1: %+v", mid)
	}

	e.processDelivery(t.Context(), mid)
	final, _ := s.GetDelivery(t.Context(), d.ID)
	if final.State != store.DeliveryFailed || final.Attempts != 2 {
		t.Fatalf("after exhausting retries: %+v", final)
	}
}

func TestEngine_ShortcutsOnNon429ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	d := store.WebhookDelivery{
		ID: "whd_1", MerchantID: "m1", EventType: store.EventPaymentFailed,
		Payload: []byte(`{}`), State: store.DeliveryPending, MaxAttempts: 5,
	}
	_ = s.EnqueueDelivery(t.Context(), d)

	e := newTestEngine(s)

	e.processDelivery(t.Context(), d)
	mid, _ := s.GetDelivery(t.Context(), d.ID)
	if mid.State != store.DeliveryRetrying {
		t.Fatalf("first 404 should still retry once: %+v", mid)
	}

	e.processDelivery(t.Context(), mid)
	final, _ := s.GetDelivery(t.Context(), d.ID)
	if final.State != store.DeliveryFailed {
		t.Fatalf("second 404 should shortcut to failed even with MaxAttempts=5: %+v", final)
	}
	if final.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Attempts)
	}
}

func TestEngine_DoesNotShortcutOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	d := store.WebhookDelivery{
		ID: "whd_1", MerchantID: "m1", EventType: store.EventPaymentFailed,
		Payload: []byte(`{}`), State: store.DeliveryPending, MaxAttempts: 5,
	}
	_ = s.EnqueueDelivery(t.Context(), d)

	e := newTestEngine(s)

	e.processDelivery(t.Context(), d)
	mid, _ := s.GetDelivery(t.Context(), d.ID)
	e.processDelivery(t.Context(), mid)
	final, _ := s.GetDelivery(t.Context(), d.ID)

	if final.State != store.DeliveryRetrying {
		t.Fatalf("429 must never shortcut: %+v", final)
	}
}

func TestEngine_ResolvesTargetFromMerchantWhenUnset(t *testing.T) {
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	d := store.WebhookDelivery{
		ID: "whd_1", MerchantID: "m1", EventType: store.EventPaymentSettled,
		Payload: []byte(`{}`), State: store.DeliveryPending, TargetURL: "", MaxAttempts: 5,
	}
	_ = s.EnqueueDelivery(t.Context(), d)

	e := newTestEngine(s)
	e.processDelivery(t.Context(), d)

	if atomic.LoadInt32(&hit) != 1 {
		t.Fatalf("expected the merchant's WebhookURL to be used, got %d hits", hit)
	}
}

func TestEngine_ProcessQueueDispatchesDueDeliveries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	_ = s.UpsertMerchant(t.Context(), testMerchant("m1", srv.URL, "secret"))

	for i := 0; i < 3; i++ {
		d := store.WebhookDelivery{
			ID: "whd_" + string(rune('a'+i)), MerchantID: "m1", EventType: store.EventPaymentSettled,
			Payload: []byte(`{}`), State: store.DeliveryPending, MaxAttempts: 5,
		}
		_ = s.EnqueueDelivery(t.Context(), d)
	}

	e := newTestEngine(s)
	e.processQueue(t.Context())

	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected all 3 due deliveries dispatched, got %d", hits)
	}
	deliveries, _ := s.ListDeliveries(t.Context(), store.WebhookFilter{States: []store.WebhookDeliveryState{store.DeliverySent}})
	if len(deliveries) != 3 {
		t.Fatalf("expected 3 sent deliveries, got %d", len(deliveries))
	}
}
