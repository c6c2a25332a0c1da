package errors

// ErrorCode represents a machine-readable error identifier surfaced to
// clients and logged alongside verification/settlement failures.
type ErrorCode string

// Validation errors — malformed or structurally invalid requests.
const (
	ErrCodeMalformedHeader ErrorCode = "malformed_header"
	ErrCodeBadVersion      ErrorCode = "bad_version"
	ErrCodeSchemeMismatch  ErrorCode = "scheme_mismatch"
	ErrCodeNetworkMismatch ErrorCode = "network_mismatch"
	ErrCodeMissingField    ErrorCode = "missing_field"
	ErrCodeInvalidField    ErrorCode = "invalid_field"
	ErrCodeInvalidAmount   ErrorCode = "invalid_amount"
	ErrCodeInvalidAddress  ErrorCode = "invalid_address"
)

// Authorization verification errors — the submitted X-Payment authorization
// failed one of the ordered checks in pkg/zcash402.ValidateAuthorization.
const (
	ErrCodeStaleTimestamp      ErrorCode = "stale_timestamp"
	ErrCodeChallengeExpired    ErrorCode = "challenge_expired"
	ErrCodeChallengeUnknown    ErrorCode = "challenge_unknown"
	ErrCodeAmountInsufficient  ErrorCode = "amount_insufficient"
	ErrCodeWrongRecipient      ErrorCode = "wrong_recipient"
	ErrCodeBadSignature        ErrorCode = "bad_signature"
	ErrCodeDoubleSpend         ErrorCode = "double_spend"
	ErrCodeUnsupportedScheme   ErrorCode = "unsupported_scheme"
)

// Resource/state errors — the referenced entity does not exist or is not
// in a state that permits the requested operation.
const (
	ErrCodeIntentNotFound      ErrorCode = "intent_not_found"
	ErrCodeMerchantNotFound    ErrorCode = "merchant_not_found"
	ErrCodeDeliveryNotFound    ErrorCode = "delivery_not_found"
	ErrCodeInvalidTransition   ErrorCode = "invalid_transition"
	ErrCodeAlreadyTerminal     ErrorCode = "already_terminal"
	ErrCodeIntentExpired       ErrorCode = "intent_expired"
	ErrCodeRefundExceedsAmount ErrorCode = "refund_exceeds_amount"
	ErrCodeRefundNotSettled    ErrorCode = "refund_requires_settled_intent"
)

// Transient errors — retrying the same operation later may succeed.
const (
	ErrCodeRPCError            ErrorCode = "rpc_error"
	ErrCodeNetworkError        ErrorCode = "network_error"
	ErrCodeDatabaseUnavailable ErrorCode = "database_unavailable"
	ErrCodeWebhookDeliveryFail ErrorCode = "webhook_delivery_failed"
)

// Fatal/internal errors — not expected to resolve on retry.
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a transient failure
// a caller (or a scheduled job) may reasonably retry.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeDatabaseUnavailable,
		ErrCodeWebhookDeliveryFail:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMalformedHeader,
		ErrCodeBadVersion,
		ErrCodeSchemeMismatch,
		ErrCodeNetworkMismatch,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidAddress,
		ErrCodeUnsupportedScheme,
		ErrCodeRefundExceedsAmount:
		return 400

	case ErrCodeStaleTimestamp,
		ErrCodeChallengeExpired,
		ErrCodeChallengeUnknown,
		ErrCodeAmountInsufficient,
		ErrCodeWrongRecipient,
		ErrCodeBadSignature,
		ErrCodeDoubleSpend,
		ErrCodeIntentExpired:
		return 402

	case ErrCodeIntentNotFound,
		ErrCodeMerchantNotFound,
		ErrCodeDeliveryNotFound:
		return 404

	case ErrCodeInvalidTransition,
		ErrCodeAlreadyTerminal,
		ErrCodeRefundNotSettled:
		return 409

	case ErrCodeRPCError,
		ErrCodeNetworkError,
		ErrCodeDatabaseUnavailable,
		ErrCodeWebhookDeliveryFail:
		return 502

	default:
		return 500
	}
}
