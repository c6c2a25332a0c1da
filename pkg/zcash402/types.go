// Package zcash402 implements the 402 protocol engine: challenge issuance,
// authorization encode/decode, and the ordered validation rules that bind
// a client-presented payment proof to a PaymentIntent.
package zcash402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProtocolVersion is the only x402 wire version this facilitator accepts.
const ProtocolVersion = 1

// Scheme identifies how a payment is made on-chain.
type Scheme string

const (
	SchemeTransparent Scheme = "transparent"
	SchemeShielded    Scheme = "shielded"
)

// Network identifies which Zcash network a payment requirement targets.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// PaymentRequirements is the canonical set of fields a client must satisfy,
// and the payload the facilitator signs into a challenge.
type PaymentRequirements struct {
	PaymentIntentID string            `json:"paymentIntentId"`
	Amount          int64             `json:"amount"` // zatoshis
	PayTo           string            `json:"payTo"`
	Scheme          Scheme            `json:"scheme"`
	Network         Network           `json:"network"`
	Resource        string            `json:"resource,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ChallengeRecord is the signed challenge material returned to a client in
// a 402 response. Persistence is optional; if persisted it is keyed by
// PaymentIntentID.
type ChallengeRecord struct {
	PaymentIntentID string  `json:"paymentIntentId"`
	Amount          int64   `json:"amount"`
	PayTo           string  `json:"payTo"`
	Scheme          Scheme  `json:"scheme"`
	Network         Network `json:"network"`
	Nonce           string  `json:"nonce"` // 128-bit, hex-encoded
	IssuedAt        int64   `json:"issuedAt"`
	ExpiresAt       int64   `json:"expiresAt"`
	FacilitatorSig  string  `json:"facilitatorSig"` // hex-encoded HMAC-SHA256
}

// TransparentPayload is the scheme-specific authorization payload for a
// t-address payment.
type TransparentPayload struct {
	Txid      string `json:"txid"`
	Amount    int64  `json:"amount"`
	From      string `json:"from"`
	To        string `json:"to"`
	Signature string `json:"signature"` // base64, 65-byte recoverable ECDSA signature
	Timestamp int64  `json:"timestamp"`
}

// ShieldedPayload is the scheme-specific authorization payload for a
// z-address payment. No signature is required; on-chain existence as
// reported by the node is authoritative.
type ShieldedPayload struct {
	Txid      string `json:"txid"`
	Amount    int64  `json:"amount"`
	To        string `json:"to"`
	Memo      string `json:"memo,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Authorization is the decoded X-Payment header: the protocol envelope
// plus a scheme-normalized view of its payload.
type Authorization struct {
	ProtocolVersion int     `json:"x402Version"`
	Scheme          Scheme  `json:"scheme"`
	Network         Network `json:"network"`

	Txid      string `json:"txid"`
	Amount    int64  `json:"amount"`
	From      string `json:"from,omitempty"` // empty for shielded
	To        string `json:"to"`
	Signature string `json:"signature,omitempty"`
	Memo      string `json:"memo,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wireEnvelope mirrors the X-Payment header's outer JSON shape before the
// scheme-specific payload is unmarshaled into its concrete type.
type wireEnvelope struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// DecodeAuthorizationHeader parses a base64-encoded X-Payment header into
// an Authorization. Any structural error is reported as MalformedHeader.
func DecodeAuthorizationHeader(header string) (Authorization, error) {
	if header == "" {
		return Authorization{}, NewVerificationError(ReasonMalformedHeader, errors.New("empty header"))
	}

	data, err := decodeBase64(header)
	if err != nil {
		return Authorization{}, NewVerificationError(ReasonMalformedHeader, fmt.Errorf("decode base64: %w", err))
	}

	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Authorization{}, NewVerificationError(ReasonMalformedHeader, fmt.Errorf("parse envelope: %w", err))
	}

	auth := Authorization{
		ProtocolVersion: env.X402Version,
		Scheme:          env.Scheme,
		Network:         env.Network,
	}

	switch env.Scheme {
	case SchemeTransparent:
		var p TransparentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return auth, NewVerificationError(ReasonMalformedHeader, fmt.Errorf("parse transparent payload: %w", err))
		}
		auth.Txid, auth.Amount, auth.From, auth.To, auth.Signature, auth.Timestamp =
			p.Txid, p.Amount, p.From, p.To, p.Signature, p.Timestamp

	case SchemeShielded:
		var p ShieldedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return auth, NewVerificationError(ReasonMalformedHeader, fmt.Errorf("parse shielded payload: %w", err))
		}
		auth.Txid, auth.Amount, auth.To, auth.Memo, auth.Timestamp =
			p.Txid, p.Amount, p.To, p.Memo, p.Timestamp

	default:
		return auth, NewVerificationError(ReasonMalformedHeader, fmt.Errorf("unknown scheme %q", env.Scheme))
	}

	if auth.Txid == "" {
		return auth, NewVerificationError(ReasonMalformedHeader, errors.New("payload missing txid"))
	}

	return auth, nil
}

// EncodeAuthorizationHeader is the inverse of DecodeAuthorizationHeader; it
// is used by tests exercising the encode∘decode=id round-trip law and by
// any client-side helper sharing this package.
func EncodeAuthorizationHeader(auth Authorization) (string, error) {
	var payload any
	switch auth.Scheme {
	case SchemeTransparent:
		payload = TransparentPayload{
			Txid: auth.Txid, Amount: auth.Amount, From: auth.From, To: auth.To,
			Signature: auth.Signature, Timestamp: auth.Timestamp,
		}
	case SchemeShielded:
		payload = ShieldedPayload{
			Txid: auth.Txid, Amount: auth.Amount, To: auth.To,
			Memo: auth.Memo, Timestamp: auth.Timestamp,
		}
	default:
		return "", fmt.Errorf("zcash402: unknown scheme %q", auth.Scheme)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	env := wireEnvelope{
		X402Version: auth.ProtocolVersion,
		Scheme:      auth.Scheme,
		Network:     auth.Network,
		Payload:     payloadJSON,
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(envJSON), nil
}

func decodeBase64(raw string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(raw)
}

// amountTolerance is the permitted shortfall, in zatoshis, between a
// presented authorization's amount and the requirement's amount (§8).
const amountTolerance int64 = 1

// freshnessWindow bounds how far an authorization's timestamp may drift
// from acceptance time before it is rejected as stale (anti-replay).
const freshnessWindow = 3600 * time.Second
