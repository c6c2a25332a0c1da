package zcash402

import (
	"fmt"

	apierrors "github.com/CedrosPay/server/internal/errors"
)

// InvalidReason is the first validation rule that failed, per the ordered
// checks in ValidateAuthorization.
type InvalidReason string

const (
	ReasonNone               InvalidReason = ""
	ReasonMalformedHeader    InvalidReason = "MalformedHeader"
	ReasonBadVersion         InvalidReason = "BadVersion"
	ReasonSchemeMismatch     InvalidReason = "SchemeMismatch"
	ReasonNetworkMismatch    InvalidReason = "NetworkMismatch"
	ReasonStaleTimestamp     InvalidReason = "StaleTimestamp"
	ReasonAmountInsufficient InvalidReason = "AmountInsufficient"
	ReasonWrongRecipient     InvalidReason = "WrongRecipient"
	ReasonBadSignature       InvalidReason = "BadSignature"
	ReasonDoubleSpend        InvalidReason = "DoubleSpend"
)

// errorCode maps a validation reason onto the ambient ErrorCode taxonomy,
// used when the merchant-facing HTTP surface reports a 402 failure.
func (r InvalidReason) errorCode() apierrors.ErrorCode {
	switch r {
	case ReasonMalformedHeader:
		return apierrors.ErrCodeMalformedHeader
	case ReasonBadVersion:
		return apierrors.ErrCodeBadVersion
	case ReasonSchemeMismatch:
		return apierrors.ErrCodeSchemeMismatch
	case ReasonNetworkMismatch:
		return apierrors.ErrCodeNetworkMismatch
	case ReasonStaleTimestamp:
		return apierrors.ErrCodeStaleTimestamp
	case ReasonAmountInsufficient:
		return apierrors.ErrCodeAmountInsufficient
	case ReasonWrongRecipient:
		return apierrors.ErrCodeWrongRecipient
	case ReasonBadSignature:
		return apierrors.ErrCodeBadSignature
	case ReasonDoubleSpend:
		return apierrors.ErrCodeDoubleSpend
	default:
		return apierrors.ErrCodeInternalError
	}
}

// VerificationError reports a failed validation rule together with the
// technical error that triggered it, if any.
type VerificationError struct {
	Reason InvalidReason
	Code   apierrors.ErrorCode
	Err    error
}

func (e VerificationError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError builds a VerificationError for the given reason.
func NewVerificationError(reason InvalidReason, err error) VerificationError {
	return VerificationError{Reason: reason, Code: reason.errorCode(), Err: err}
}
