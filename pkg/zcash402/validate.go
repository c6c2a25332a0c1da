package zcash402

import (
	"fmt"
	"time"
)

// TxidBoundChecker reports whether txid is already bound to a PaymentIntent
// other than paymentIntentID. ValidateAuthorization takes this as a
// parameter rather than depending on internal/store directly, so the
// ordered rule set stays pure and unit-testable without a database.
type TxidBoundChecker func(txid, paymentIntentID string) (bool, error)

// ValidateAuthorization runs the ordered rules of §4.1 against an already
// decoded Authorization, stopping at the first rule that fails. The engine
// never issues RPC calls here: txidBound is the only external dependency,
// and it is expected to be a pure store lookup rather than a chain query.
func ValidateAuthorization(auth Authorization, req PaymentRequirements, now time.Time, txidBound TxidBoundChecker) error {
	// (1) protocol version
	if auth.ProtocolVersion != ProtocolVersion {
		return NewVerificationError(ReasonBadVersion,
			fmt.Errorf("expected version %d, got %d", ProtocolVersion, auth.ProtocolVersion))
	}

	// (2) scheme and network must match the requirements
	if auth.Scheme != req.Scheme {
		return NewVerificationError(ReasonSchemeMismatch,
			fmt.Errorf("expected scheme %q, got %q", req.Scheme, auth.Scheme))
	}
	if auth.Network != req.Network {
		return NewVerificationError(ReasonNetworkMismatch,
			fmt.Errorf("expected network %q, got %q", req.Network, auth.Network))
	}

	// (3) freshness: |now - auth.timestamp| <= freshnessWindow
	authTime := time.Unix(auth.Timestamp, 0)
	drift := now.Sub(authTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > freshnessWindow {
		return NewVerificationError(ReasonStaleTimestamp,
			fmt.Errorf("timestamp %d drifted %s from now", auth.Timestamp, drift))
	}

	// (4) amount must meet the requirement within amountTolerance zatoshis
	if auth.Amount+amountTolerance < req.Amount {
		return NewVerificationError(ReasonAmountInsufficient,
			fmt.Errorf("amount %d short of required %d", auth.Amount, req.Amount))
	}

	// (5) recipient must match exactly
	if auth.To != req.PayTo {
		return NewVerificationError(ReasonWrongRecipient,
			fmt.Errorf("expected payTo %q, got %q", req.PayTo, auth.To))
	}

	// (6) scheme-specific signature verification
	if auth.Scheme == SchemeTransparent {
		msg := []byte(req.PaymentIntentID)
		if !verifyTransparentSignature(msg, auth.Signature, auth.From, req.Network) {
			return NewVerificationError(ReasonBadSignature, fmt.Errorf("signature does not recover to %q", auth.From))
		}
	}

	// (7) txid must not already be bound to a different intent
	if txidBound != nil {
		bound, err := txidBound(auth.Txid, req.PaymentIntentID)
		if err != nil {
			return fmt.Errorf("zcash402: txid bound check: %w", err)
		}
		if bound {
			return NewVerificationError(ReasonDoubleSpend, fmt.Errorf("txid %q already bound", auth.Txid))
		}
	}

	return nil
}
