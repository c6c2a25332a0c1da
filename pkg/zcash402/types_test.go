package zcash402

import (
	"encoding/base64"
	"testing"
)

func TestDecodeAuthorizationHeader_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		auth Authorization
	}{
		{
			name: "transparent",
			auth: Authorization{
				ProtocolVersion: ProtocolVersion,
				Scheme:          SchemeTransparent,
				Network:         NetworkMainnet,
				Txid:            "abc123",
				Amount:          150000000,
				From:            "t1from",
				To:              "t1to",
				Signature:       "c2lnbmF0dXJl",
				Timestamp:       1700000000,
			},
		},
		{
			name: "shielded",
			auth: Authorization{
				ProtocolVersion: ProtocolVersion,
				Scheme:          SchemeShielded,
				Network:         NetworkTestnet,
				Txid:            "def456",
				Amount:          2500000,
				To:              "ztestsaplingaddr",
				Memo:            "thanks",
				Timestamp:       1700000001,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, err := EncodeAuthorizationHeader(tt.auth)
			if err != nil {
				t.Fatalf("EncodeAuthorizationHeader() error = %v", err)
			}

			got, err := DecodeAuthorizationHeader(header)
			if err != nil {
				t.Fatalf("DecodeAuthorizationHeader() error = %v", err)
			}

			if got != tt.auth {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.auth)
			}
		})
	}
}

func TestDecodeAuthorizationHeader_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty header", ""},
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64Encode(t, "not json")},
		{"unknown scheme", base64Encode(t, `{"x402Version":1,"scheme":"bogus","network":"mainnet","payload":{}}`)},
		{"missing txid", base64Encode(t, `{"x402Version":1,"scheme":"transparent","network":"mainnet","payload":{"to":"t1to"}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeAuthorizationHeader(tt.header); err == nil {
				t.Errorf("DecodeAuthorizationHeader(%q) expected error, got nil", tt.header)
			}
		})
	}
}

func base64Encode(t *testing.T, s string) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(s))
}
