package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/server/internal/config"
	"github.com/CedrosPay/server/internal/store"
)

// fakeNode is a stateful zcashd stand-in: tests mutate its fields directly
// between calling monitor methods to simulate chain progress.
type fakeNode struct {
	mu sync.Mutex

	tip     int64
	mempool []string
	txs     map[string]rawTxJSON // txid -> node's current view
}

func newFakeNode() *fakeNode {
	return &fakeNode{txs: make(map[string]rawTxJSON)}
}

func (f *fakeNode) serve(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     string            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		resp := rpcResponse{ID: req.ID}
		switch req.Method {
		case "getblockcount":
			raw, _ := json.Marshal(f.tip)
			resp.Result = raw
		case "getrawmempool":
			raw, _ := json.Marshal(f.mempool)
			resp.Result = raw
		case "getrawtransaction":
			var txid string
			_ = json.Unmarshal(req.Params[0], &txid)
			tx, ok := f.txs[txid]
			if !ok {
				resp.Error = &rpcError{Code: -5, Message: "No information available about transaction"}
			} else {
				raw, _ := json.Marshal(tx)
				resp.Result = raw
			}
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		BlockScanInterval:   config.Duration{Duration: time.Hour}, // driven manually via scanBlocks/scanMempool in tests
		MempoolScanInterval: config.Duration{Duration: time.Hour},
		MaxBlocksPerScan:    100,
		ReorgCheckDepth:     10,
	}
}

func TestMonitor_MempoolMatchBindsIntent(t *testing.T) {
	node := newFakeNode()
	srv := node.serve(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()

	intent := store.PaymentIntent{
		ID: "pi_1", MerchantID: "m1", Amount: 100_000_000, Currency: "ZEC",
		PayToAddress: "t1Alice", Scheme: store.SchemeTransparent, Network: store.NetworkMainnet,
		State: store.StateCreated, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		RequiredConfirmations: 6,
	}
	if err := st.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	node.mempool = []string{"txabc"}
	node.txs["txabc"] = rawTxJSON{
		Txid:          "txabc",
		Confirmations: 0,
		Vout:          []rawTxVoutJSON{{ValueZat: 100_000_000, ScriptPubKey: struct {
			Addresses []string `json:"addresses"`
			Address   string   `json:"address"`
		}{Address: "t1Alice"}}},
		Vin: []rawTxVinJSON{{Address: "t1Bob"}},
	}

	rpc := NewRPCClient(srv.URL, "", "", 5*time.Second, nil)
	mon := New(testMonitorConfig(), st, rpc, 6)

	mon.scanMempool(ctx)

	got, err := st.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != store.StateAwaitingConfirmation {
		t.Errorf("state = %s, want AwaitingConfirmation", got.State)
	}
	if got.ObservedTxid != "txabc" {
		t.Errorf("observed txid = %q, want txabc", got.ObservedTxid)
	}
	if got.ObservedFrom != "t1Bob" {
		t.Errorf("observed from = %q, want t1Bob", got.ObservedFrom)
	}
}

func TestMonitor_RefreshAdvancesThroughVerifiedToSettled(t *testing.T) {
	node := newFakeNode()
	srv := node.serve(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	intent := store.PaymentIntent{
		ID: "pi_1", MerchantID: "m1", Amount: 100_000_000, Currency: "ZEC",
		PayToAddress: "t1Alice", Scheme: store.SchemeTransparent, Network: store.NetworkMainnet,
		State: store.StateAwaitingConfirmation, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		ObservedTxid: "txabc", ObservedFrom: "t1Bob", ObservedAt: &now,
		RequiredConfirmations: 6,
	}
	if err := st.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if err := st.UpsertTxRecord(ctx, store.TxRecord{
		Txid: "txabc", PaymentIntentID: "pi_1", Amount: 100_000_000,
		From: "t1Bob", To: "t1Alice", FirstSeenAt: now, LastCheckedAt: now,
		Status: store.TxStatusMempool,
	}); err != nil {
		t.Fatalf("UpsertTxRecord: %v", err)
	}

	rpc := NewRPCClient(srv.URL, "", "", 5*time.Second, nil)
	mon := New(testMonitorConfig(), st, rpc, 6)

	height := int64(100)
	node.tip = height
	node.txs["txabc"] = rawTxJSON{Txid: "txabc", Confirmations: 1, Height: &height}

	mon.scanBlocks(ctx)

	got, err := st.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != store.StateVerified {
		t.Fatalf("state = %s, want Verified", got.State)
	}

	node.txs["txabc"] = rawTxJSON{Txid: "txabc", Confirmations: 6, Height: &height}
	mon.scanBlocks(ctx)

	got, err = st.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != store.StateSettled {
		t.Fatalf("state = %s, want Settled", got.State)
	}
	if got.SettledAt == nil {
		t.Error("expected SettledAt to be set")
	}
}

func TestMonitor_ReorgRevertsToCreated(t *testing.T) {
	node := newFakeNode()
	srv := node.serve(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	height := int64(100)
	intent := store.PaymentIntent{
		ID: "pi_1", MerchantID: "m1", Amount: 100_000_000, Currency: "ZEC",
		PayToAddress: "t1Alice", Scheme: store.SchemeTransparent, Network: store.NetworkMainnet,
		State: store.StateVerified, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		ObservedTxid: "txabc", ObservedFrom: "t1Bob", ObservedAt: &now, Confirmations: 2,
		RequiredConfirmations: 6,
	}
	if err := st.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if err := st.UpsertTxRecord(ctx, store.TxRecord{
		Txid: "txabc", PaymentIntentID: "pi_1", Amount: 100_000_000,
		From: "t1Bob", To: "t1Alice", BlockHeight: &height,
		FirstSeenAt: now, LastCheckedAt: now, Confirmations: 2, Status: store.TxStatusConfirming,
	}); err != nil {
		t.Fatalf("UpsertTxRecord: %v", err)
	}

	rpc := NewRPCClient(srv.URL, "", "", 5*time.Second, nil)
	mon := New(testMonitorConfig(), st, rpc, 6)

	// Node no longer knows about txabc: it was reorged out.
	node.tip = height + 1

	mon.detectReorgs(ctx, node.tip)

	got, err := st.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != store.StateCreated {
		t.Fatalf("state = %s, want Created", got.State)
	}
	if got.ObservedTxid != "" {
		t.Errorf("expected ObservedTxid cleared, got %q", got.ObservedTxid)
	}

	rec, err := st.GetTxRecord(ctx, "txabc")
	if err != nil {
		t.Fatalf("GetTxRecord: %v", err)
	}
	if rec.Status != store.TxStatusLost {
		t.Errorf("tx status = %s, want lost", rec.Status)
	}
}

func TestMonitor_ScanPaymentIntent_ForceMatch(t *testing.T) {
	node := newFakeNode()
	srv := node.serve(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()

	intent := store.PaymentIntent{
		ID: "pi_1", MerchantID: "m1", Amount: 50_000_000, Currency: "ZEC",
		PayToAddress: "t1Alice", Scheme: store.SchemeTransparent, Network: store.NetworkMainnet,
		State: store.StateCreated, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		RequiredConfirmations: 6,
	}
	if err := st.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}

	node.mempool = []string{"txforced"}
	node.txs["txforced"] = rawTxJSON{
		Txid: "txforced",
		Vout: []rawTxVoutJSON{{ValueZat: 50_000_000, ScriptPubKey: struct {
			Addresses []string `json:"addresses"`
			Address   string   `json:"address"`
		}{Address: "t1Alice"}}},
	}

	rpc := NewRPCClient(srv.URL, "", "", 5*time.Second, nil)
	mon := New(testMonitorConfig(), st, rpc, 6)

	if err := mon.ScanPaymentIntent(ctx, "pi_1"); err != nil {
		t.Fatalf("ScanPaymentIntent: %v", err)
	}

	got, err := st.GetIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != store.StateAwaitingConfirmation || got.ObservedTxid != "txforced" {
		t.Errorf("unexpected intent after force scan: %+v", got)
	}
}

func TestMonitor_DoubleSpendGuardPreventsRebinding(t *testing.T) {
	node := newFakeNode()
	srv := node.serve(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"pi_1", "pi_2"} {
		intent := store.PaymentIntent{
			ID: id, MerchantID: "m1", Amount: 100_000_000, Currency: "ZEC",
			PayToAddress: "t1Alice", Scheme: store.SchemeTransparent, Network: store.NetworkMainnet,
			State: store.StateCreated, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
			RequiredConfirmations: 6,
		}
		if err := st.CreateIntent(ctx, intent); err != nil {
			t.Fatalf("CreateIntent(%s): %v", id, err)
		}
	}

	node.mempool = []string{"txshared"}
	node.txs["txshared"] = rawTxJSON{
		Txid: "txshared",
		Vout: []rawTxVoutJSON{{ValueZat: 100_000_000, ScriptPubKey: struct {
			Addresses []string `json:"addresses"`
			Address   string   `json:"address"`
		}{Address: "t1Alice"}}},
	}

	rpc := NewRPCClient(srv.URL, "", "", 5*time.Second, nil)
	mon := New(testMonitorConfig(), st, rpc, 6)

	mon.scanMempool(ctx)

	pi1, _ := st.GetIntent(ctx, "pi_1")
	pi2, _ := st.GetIntent(ctx, "pi_2")

	boundCount := 0
	if pi1.ObservedTxid == "txshared" {
		boundCount++
	}
	if pi2.ObservedTxid == "txshared" {
		boundCount++
	}
	if boundCount != 1 {
		t.Fatalf("expected exactly one intent to bind the shared txid, got %d", boundCount)
	}
}
