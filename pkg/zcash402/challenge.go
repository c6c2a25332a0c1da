package zcash402

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultChallengeTTL is used when the caller does not override it.
const DefaultChallengeTTL = 1 * time.Hour

// MaxChallengeTTL bounds how far in the future an intent may expire.
const MaxChallengeTTL = 24 * time.Hour

// Signer issues and verifies facilitator challenge signatures using
// HMAC-SHA-256 over a canonical encoding of the challenge fields (§4.1.3,
// open question resolved: single-facilitator deployment, so a symmetric
// construction is sufficient and matches the webhook engine's own signing
// idiom).
type Signer struct {
	secret []byte
}

// NewSigner builds a Signer from the configured facilitatorSigningSecret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// canonicalChallengeBytes produces the exact byte sequence the signature
// commits to. Every field present in the challenge is included, so
// mutating any one of them invalidates the signature.
func canonicalChallengeBytes(c ChallengeRecord) []byte {
	// encoding/json on a fixed struct field order gives a stable, canonical
	// encoding without needing a separate canonicalization pass.
	type canonical struct {
		PaymentIntentID string  `json:"paymentIntentId"`
		Amount          int64   `json:"amount"`
		PayTo           string  `json:"payTo"`
		Scheme          Scheme  `json:"scheme"`
		Network         Network `json:"network"`
		Nonce           string  `json:"nonce"`
		IssuedAt        int64   `json:"issuedAt"`
		ExpiresAt       int64   `json:"expiresAt"`
	}
	b, _ := json.Marshal(canonical{
		PaymentIntentID: c.PaymentIntentID,
		Amount:          c.Amount,
		PayTo:           c.PayTo,
		Scheme:          c.Scheme,
		Network:         c.Network,
		Nonce:           c.Nonce,
		IssuedAt:        c.IssuedAt,
		ExpiresAt:       c.ExpiresAt,
	})
	return b
}

// sign computes the hex-encoded HMAC-SHA256 over the canonical encoding.
func (s *Signer) sign(c ChallengeRecord) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(canonicalChallengeBytes(c))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateNonce returns a 128-bit hex-encoded random nonce.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// IssueChallenge builds and signs a ChallengeRecord for an already-created
// PaymentIntent. ttl of zero selects DefaultChallengeTTL; ttl beyond
// MaxChallengeTTL is clamped down to it. The caller is responsible for
// persisting the PaymentIntent in state Created with the same id and
// expiresAt before returning the 402 response (IssueChallenge itself
// performs no I/O — it is pure signing, matching §4.1's "validation is
// pure" posture extended to challenge construction).
func (s *Signer) IssueChallenge(paymentIntentID string, req PaymentRequirements, ttl time.Duration, now time.Time) (ChallengeRecord, error) {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if ttl > MaxChallengeTTL {
		ttl = MaxChallengeTTL
	}

	nonce, err := generateNonce()
	if err != nil {
		return ChallengeRecord{}, err
	}

	c := ChallengeRecord{
		PaymentIntentID: paymentIntentID,
		Amount:          req.Amount,
		PayTo:           req.PayTo,
		Scheme:          req.Scheme,
		Network:         req.Network,
		Nonce:           nonce,
		IssuedAt:        now.Unix(),
		ExpiresAt:       now.Add(ttl).Unix(),
	}
	c.FacilitatorSig = s.sign(c)

	return c, nil
}

// VerifyFacilitatorChallenge recomputes and validates the facilitator
// signature over challenge, in constant time.
func (s *Signer) VerifyFacilitatorChallenge(c ChallengeRecord) bool {
	expected := s.sign(c)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(c.FacilitatorSig)) == 1
}
