package webhook

import "testing"

func TestSignAndVerify(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"whd_1","type":"payment.settled"}`)
	ts := int64(1700000000)

	sig := Sign(secret, ts, body)
	if sig[:3] != "v1=" {
		t.Fatalf("signature missing v1 prefix: %q", sig)
	}
	if !Verify(secret, ts, body, sig) {
		t.Fatal("Verify() = false for a signature it just produced")
	}
	if Verify("wrong secret", ts, body, sig) {
		t.Fatal("Verify() = true with the wrong secret")
	}
	if Verify(secret, ts+1, body, sig) {
		t.Fatal("Verify() = true with a mismatched timestamp")
	}
}

func TestHeaders(t *testing.T) {
	h := Headers("whd_1", "payment.settled", "whsec_test", 1700000000, []byte(`{}`))
	for _, key := range []string{"X-Signature", "X-Timestamp", "X-Event-Type", "X-Delivery-Id"} {
		if h[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}
	if h["X-Delivery-Id"] != "whd_1" {
		t.Errorf("X-Delivery-Id = %q, want whd_1", h["X-Delivery-Id"])
	}
	if h["X-Event-Type"] != "payment.settled" {
		t.Errorf("X-Event-Type = %q, want payment.settled", h["X-Event-Type"])
	}
}
