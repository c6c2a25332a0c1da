package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/money"
	"github.com/CedrosPay/server/pkg/responders"
	"github.com/CedrosPay/server/pkg/zcash402"
)

// writeVerificationError maps a zcash402.VerificationError (or any other
// error) onto the standardized error response, preserving the protocol
// engine's specific error code when available.
func writeVerificationError(w http.ResponseWriter, err error, resourceID string) {
	if vErr, ok := err.(zcash402.VerificationError); ok {
		apierrors.WriteError(w, vErr.Code, vErr.Error(), map[string]interface{}{
			"paymentId": resourceID,
		})
		return
	}
	apierrors.WriteError(w, apierrors.ErrCodeInternalError, err.Error(), map[string]interface{}{
		"paymentId": resourceID,
	})
}

// challengeResponse is the §6 "HTTP 402 challenge" wire body.
type challengeResponse struct {
	PaymentID string           `json:"paymentId"`
	Amount    int64            `json:"amount"`
	AmountZEC string           `json:"amountZec"`
	Currency  string           `json:"currency"`
	PayTo     string           `json:"payTo"`
	Resource  string           `json:"resource,omitempty"`
	ExpiresAt int64            `json:"expiresAt"`
	Nonce     string           `json:"nonce"`
	Signature string           `json:"signature"`
	Scheme    zcash402.Scheme  `json:"scheme"`
	Network   zcash402.Network `json:"network"`
	Version   int              `json:"version"`
}

// writePaymentRequired sends the 402 Payment Required response: JSON body
// plus the WWW-Authenticate and X-Payment-Required headers, per §6.
func writePaymentRequired(w http.ResponseWriter, merchantID string, c zcash402.ChallengeRecord) {
	body := challengeResponse{
		PaymentID: c.PaymentIntentID,
		Amount:    c.Amount,
		AmountZEC: money.New(money.ZEC, c.Amount).ToMajor(),
		Currency:  "ZEC",
		PayTo:     c.PayTo,
		ExpiresAt: c.ExpiresAt,
		Nonce:     c.Nonce,
		Signature: c.FacilitatorSig,
		Scheme:    c.Scheme,
		Network:   c.Network,
		Version:   zcash402.ProtocolVersion,
	}

	if reqJSON, err := json.Marshal(body); err == nil {
		w.Header().Set("X-Payment-Required", base64.StdEncoding.EncodeToString(reqJSON))
	}
	w.Header().Set("WWW-Authenticate", `x402 realm="`+merchantID+`"`)
	responders.JSON(w, http.StatusPaymentRequired, body)
}

// paymentResponseHeader is the §6 "HTTP 402 authorization" response
// envelope carried in X-Payment-Response on acceptance.
type paymentResponseHeader struct {
	Success       bool    `json:"success"`
	TxHash        string  `json:"txHash,omitempty"`
	Confirmations int     `json:"confirmations"`
	SettledAt     *int64  `json:"settledAt,omitempty"`
}

// addPaymentResponseHeader sets X-Payment-Response to the base64-encoded
// JSON settlement envelope.
func addPaymentResponseHeader(w http.ResponseWriter, hdr paymentResponseHeader) {
	b, err := json.Marshal(hdr)
	if err != nil {
		return
	}
	w.Header().Set("X-Payment-Response", base64.StdEncoding.EncodeToString(b))
}
