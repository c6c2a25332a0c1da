package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/CedrosPay/server/internal/errors"
	"github.com/CedrosPay/server/internal/observability"
	"github.com/CedrosPay/server/internal/store"
	"github.com/CedrosPay/server/pkg/responders"
	"github.com/CedrosPay/server/pkg/zcash402"
)

// emitPaymentCompleted reports the outcome of an authorization attempt to
// the observability registry, if one is attached.
func (h handlers) emitPaymentCompleted(ctx context.Context, intent store.PaymentIntent, start time.Time, success bool, errReason, txid string) {
	if h.events == nil {
		return
	}
	h.events.EmitPaymentCompleted(ctx, observability.PaymentCompletedEvent{
		Timestamp:     time.Now(),
		PaymentID:     intent.ID,
		Scheme:        string(intent.Scheme),
		ResourceID:    intent.ID,
		Success:       success,
		ErrorReason:   errReason,
		AmountZatoshi: intent.Amount,
		Duration:      time.Since(start),
		Txid:          txid,
	})
}

// health reports process liveness and uptime.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}

// supportedKind mirrors one entry of the facilitator-standard /supported response.
type supportedKind struct {
	Scheme  zcash402.Scheme  `json:"scheme"`
	Network zcash402.Network `json:"network"`
}

// supported answers the facilitator-standard GET /supported (§6): the
// (scheme, network) pairs this deployment accepts.
func (h handlers) supported(w http.ResponseWriter, r *http.Request) {
	network := zcash402.Network(h.cfg.Zcash.Network)
	if network == "" {
		network = zcash402.NetworkMainnet
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"kinds": []supportedKind{
			{Scheme: zcash402.SchemeTransparent, Network: network},
			{Scheme: zcash402.SchemeShielded, Network: network},
		},
	})
}

// standardRequest is the shared body shape of /verify-standard and
// /settle-standard (§6).
type standardRequest struct {
	X402Version         int                        `json:"x402Version"`
	PaymentHeader       string                     `json:"paymentHeader"`
	PaymentRequirements zcash402.PaymentRequirements `json:"paymentRequirements"`
}

// verifyStandard implements the facilitator-standard POST /verify-standard:
// always HTTP 200, failure signaled in the body via isValid/invalidReason.
func (h handlers) verifyStandard(w http.ResponseWriter, r *http.Request) {
	var req standardRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		responders.JSON(w, http.StatusOK, map[string]any{
			"isValid":       false,
			"invalidReason": string(zcash402.ReasonMalformedHeader),
		})
		return
	}

	auth, err := zcash402.DecodeAuthorizationHeader(req.PaymentHeader)
	if err == nil {
		err = zcash402.ValidateAuthorization(auth, req.PaymentRequirements, time.Now(), h.txidBoundChecker(r.Context()))
	}
	if err != nil {
		reason := reasonOf(err)
		responders.JSON(w, http.StatusOK, map[string]any{
			"isValid":       false,
			"invalidReason": string(reason),
		})
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{"isValid": true})
}

// settleStandard implements the facilitator-standard POST /settle-standard.
// It must be read-only/idempotent for an already-settled transaction: it
// never broadcasts or mutates chain state, only reports what the store
// already knows about the presented txid.
func (h handlers) settleStandard(w http.ResponseWriter, r *http.Request) {
	var req standardRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		responders.JSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	auth, err := zcash402.DecodeAuthorizationHeader(req.PaymentHeader)
	if err == nil {
		err = zcash402.ValidateAuthorization(auth, req.PaymentRequirements, time.Now(), h.txidBoundChecker(r.Context()))
	}
	if err != nil {
		responders.JSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	confirmations := 0
	if rec, recErr := h.store.GetTxRecord(r.Context(), auth.Txid); recErr == nil {
		confirmations = rec.Confirmations
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"txHash":        auth.Txid,
		"confirmations": confirmations,
	})
}

// txidBoundChecker binds ctx into a zcash402.TxidBoundChecker backed by the
// store's IsTxidBound query.
func (h handlers) txidBoundChecker(ctx context.Context) zcash402.TxidBoundChecker {
	return func(txid, paymentIntentID string) (bool, error) {
		return h.store.IsTxidBound(ctx, txid, paymentIntentID)
	}
}

// reasonOf extracts the zcash402.InvalidReason from err, defaulting to a
// generic malformed-header reason for errors outside the protocol engine.
func reasonOf(err error) zcash402.InvalidReason {
	if vErr, ok := err.(zcash402.VerificationError); ok {
		return vErr.Reason
	}
	return zcash402.ReasonMalformedHeader
}

// createIntentRequest is the body of POST /intents.
type createIntentRequest struct {
	MerchantID            string            `json:"merchantId"`
	Amount                int64             `json:"amount"`
	PayTo                 string            `json:"payTo"`
	Resource              string            `json:"resource"`
	Scheme                zcash402.Scheme   `json:"scheme"`
	Network               zcash402.Network  `json:"network"`
	Metadata              map[string]string `json:"metadata"`
	TTLSeconds            int64             `json:"ttlSeconds"`
	RequiredConfirmations int               `json:"requiredConfirmations"`
}

// createIntent implements POST /intents: creates a PaymentIntent in state
// Created and responds with the signed 402 challenge (§6).
func (h handlers) createIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if req.MerchantID == "" || req.Amount <= 0 || req.PayTo == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "merchantId, amount, and payTo are required")
		return
	}
	if req.Scheme == "" {
		req.Scheme = zcash402.SchemeTransparent
	}
	if req.Network == "" {
		req.Network = zcash402.Network(h.cfg.Zcash.Network)
	}

	merchant, err := h.store.GetMerchant(r.Context(), req.MerchantID)
	if err != nil && err != store.ErrNotFound {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load merchant")
		return
	}

	requiredConfirmations := req.RequiredConfirmations
	if requiredConfirmations <= 0 {
		requiredConfirmations = merchant.RequiredConfirmations
	}
	if requiredConfirmations <= 0 {
		requiredConfirmations = h.cfg.Zcash.RequiredConfirmations
	}

	id := uuid.NewString()
	now := time.Now()
	ttl := time.Duration(req.TTLSeconds) * time.Second

	challenge, err := h.signer.IssueChallenge(id, zcash402.PaymentRequirements{
		PaymentIntentID: id,
		Amount:          req.Amount,
		PayTo:           req.PayTo,
		Scheme:          req.Scheme,
		Network:         req.Network,
		Resource:        req.Resource,
		Metadata:        req.Metadata,
	}, ttl, now)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "failed to issue challenge")
		return
	}

	intent := store.PaymentIntent{
		ID:                    id,
		MerchantID:            req.MerchantID,
		Amount:                req.Amount,
		Currency:              "ZEC",
		Resource:              req.Resource,
		PayToAddress:          req.PayTo,
		Scheme:                store.Scheme(req.Scheme),
		Network:               store.Network(req.Network),
		Metadata:              req.Metadata,
		CreatedAt:             now,
		ExpiresAt:             time.Unix(challenge.ExpiresAt, 0),
		State:                 store.StateCreated,
		RequiredConfirmations: requiredConfirmations,
	}
	if err := h.store.CreateIntent(r.Context(), intent); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to create payment intent")
		return
	}

	writePaymentRequired(w, req.MerchantID, challenge)
}

// getIntent implements GET /intents/{id}.
func (h handlers) getIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	intent, err := h.store.GetIntent(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "payment intent not found")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load payment intent")
		return
	}
	responders.JSON(w, http.StatusOK, intent)
}

// listIntents implements GET /intents, paged and filtered (§6).
func (h handlers) listIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IntentFilter{
		MerchantID: q.Get("merchantId"),
		Limit:      parseIntDefault(q.Get("limit"), 50),
		Offset:     parseIntDefault(q.Get("offset"), 0),
	}
	if s := q.Get("state"); s != "" {
		filter.States = []store.IntentState{store.IntentState(s)}
	}

	intents, err := h.store.ListIntents(r.Context(), filter)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list payment intents")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"intents": intents,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// authorizeRequest is the body of POST /intents/{id}/authorize: the
// base64-encoded X-Payment header value, accepted either in the body or
// (preferentially) in the X-Payment header itself.
type authorizeRequest struct {
	PaymentHeader string `json:"paymentHeader"`
}

// authorizeIntent implements POST /intents/{id}/authorize: decodes and
// validates a client-presented authorization against the named intent,
// binds it, and forces an immediate confirmation check (§4.1, §4.2).
func (h handlers) authorizeIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	start := time.Now()

	intent, err := h.store.GetIntent(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "payment intent not found")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load payment intent")
		return
	}
	if intent.State.IsTerminal() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadyTerminal, "payment intent is already in a terminal state")
		return
	}
	if intent.State != store.StateCreated && intent.State != store.StateAwaitingConfirmation {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidTransition, "payment intent cannot accept an authorization in its current state")
		return
	}

	if h.events != nil {
		h.events.EmitPaymentStarted(r.Context(), observability.PaymentStartedEvent{
			Timestamp:     start,
			PaymentID:     intent.ID,
			Scheme:        string(intent.Scheme),
			ResourceID:    intent.ID,
			AmountZatoshi: intent.Amount,
		})
	}

	header := r.Header.Get("X-Payment")
	if header == "" {
		var body authorizeRequest
		if err := decodeJSON(r.Body, &body); err == nil {
			header = body.PaymentHeader
		}
	}

	auth, err := zcash402.DecodeAuthorizationHeader(header)
	if err == nil {
		req := zcash402.PaymentRequirements{
			PaymentIntentID: intent.ID,
			Amount:          intent.Amount,
			PayTo:           intent.PayToAddress,
			Scheme:          zcash402.Scheme(intent.Scheme),
			Network:         zcash402.Network(intent.Network),
		}
		err = zcash402.ValidateAuthorization(auth, req, time.Now(), h.txidBoundChecker(r.Context()))
	}
	if err != nil {
		h.emitPaymentCompleted(r.Context(), intent, start, false, err.Error(), "")
		writeVerificationError(w, err, id)
		return
	}

	now := time.Now()
	patch := store.IntentPatch{
		ObservedTxid: &auth.Txid,
		ObservedFrom: &auth.From,
		ObservedAt:   &now,
	}
	if err := h.store.TryTransition(r.Context(), id, intent.State, store.StateAwaitingConfirmation, patch); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to record authorization")
		return
	}
	if err := h.store.UpsertTxRecord(r.Context(), store.TxRecord{
		Txid:            auth.Txid,
		PaymentIntentID: id,
		Amount:          auth.Amount,
		From:            auth.From,
		To:              auth.To,
		FirstSeenAt:     now,
		LastCheckedAt:   now,
		Status:          store.TxStatusMempool,
	}); err != nil {
		h.logger.Error().Err(err).Str("paymentIntentId", id).Msg("httpserver: failed to upsert tx record")
	}

	// Force an immediate confirmation check rather than waiting for the
	// monitor's next scheduled tick, so a caller polling right after
	// authorizing sees up-to-date confirmations.
	if h.monitorScanner != nil {
		if err := h.monitorScanner.ScanPaymentIntent(r.Context(), id); err != nil {
			h.logger.Warn().Err(err).Str("paymentIntentId", id).Msg("httpserver: immediate scan after authorize failed")
		}
	}

	updated, err := h.store.GetIntent(r.Context(), id)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to reload payment intent")
		return
	}

	h.emitPaymentCompleted(r.Context(), intent, start, true, "", updated.ObservedTxid)

	var settledAt *int64
	if updated.SettledAt != nil {
		ts := updated.SettledAt.Unix()
		settledAt = &ts
	}
	addPaymentResponseHeader(w, paymentResponseHeader{
		Success:       true,
		TxHash:        updated.ObservedTxid,
		Confirmations: updated.Confirmations,
		SettledAt:     settledAt,
	})
	responders.JSON(w, http.StatusOK, updated)
}

// refundRequest is the body of POST /intents/{id}/refund.
type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// refundIntent implements POST /intents/{id}/refund (§4.3 expansion).
func (h handlers) refundIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req refundRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "refund amount must be positive")
		return
	}

	start := time.Now()
	if h.events != nil {
		h.events.EmitRefundRequested(r.Context(), observability.RefundRequestedEvent{
			Timestamp:       start,
			RefundID:        id,
			PaymentIntentID: id,
			AmountZatoshi:   req.Amount,
			Reason:          req.Reason,
		})
	}

	updated, err := h.store.Refund(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		if h.events != nil {
			h.events.EmitRefundProcessed(r.Context(), observability.RefundProcessedEvent{
				Timestamp:       time.Now(),
				RefundID:        id,
				PaymentIntentID: id,
				Success:         false,
				ErrorReason:     err.Error(),
				AmountZatoshi:   req.Amount,
				Duration:        time.Since(start),
			})
		}
		switch err {
		case store.ErrNotFound:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeIntentNotFound, "payment intent not found")
		case store.ErrRefundExceedsAmount:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeRefundExceedsAmount, "refund amount exceeds settled amount")
		case store.ErrInvalidTransition:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeRefundNotSettled, "only a settled payment intent can be refunded")
		default:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to process refund")
		}
		return
	}
	if h.events != nil {
		h.events.EmitRefundProcessed(r.Context(), observability.RefundProcessedEvent{
			Timestamp:       time.Now(),
			RefundID:        id,
			PaymentIntentID: id,
			Success:         true,
			AmountZatoshi:   req.Amount,
			Txid:            updated.ObservedTxid,
			Duration:        time.Since(start),
		})
	}
	responders.JSON(w, http.StatusOK, updated)
}

// listWebhookDeliveries implements GET /merchants/{id}/webhooks.
func (h handlers) listWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "id")
	q := r.URL.Query()
	filter := store.WebhookFilter{
		MerchantID: merchantID,
		Limit:      parseIntDefault(q.Get("limit"), 50),
		Offset:     parseIntDefault(q.Get("offset"), 0),
	}
	if s := q.Get("state"); s != "" {
		filter.States = []store.WebhookDeliveryState{store.WebhookDeliveryState(s)}
	}

	deliveries, err := h.webhookEngine.ListDeliveries(r.Context(), filter)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to list webhook deliveries")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

// retryWebhookDelivery implements POST /webhooks/{id}/retry.
func (h handlers) retryWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.webhookEngine.RetryDelivery(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "webhook delivery not found")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to retry webhook delivery")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"message": "webhook delivery queued for retry", "deliveryId": id})
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
