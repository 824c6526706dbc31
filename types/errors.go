package types

import (
	"errors"
	"fmt"
)

// Error codes. The first six are the outcomes of a paying client.
const (
	ErrMalformedHeader       = "MALFORMED_HEADER"
	ErrMissingRequirements   = "MISSING_REQUIREMENTS"
	ErrUnexpectedStatus      = "UNEXPECTED_STATUS"
	ErrPaymentTransferFailed = "PAYMENT_TRANSFER_FAILED"
	ErrVerificationTimeout   = "VERIFICATION_TIMEOUT"
	ErrCancelled             = "CANCELLED"

	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedScheme   = "UNSUPPORTED_SCHEME"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrConfigError         = "CONFIG_ERROR"
	ErrVerificationFailed  = "VERIFICATION_FAILED"
	ErrSettlementFailed    = "SETTLEMENT_FAILED"
	ErrProofReplayed       = "PROOF_REPLAYED"
)

// X402Error carries a code plus whatever the server last told us.
type X402Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// StatusCode of the response that ended the operation, 0 if none.
	StatusCode int `json:"statusCode,omitempty"`

	// PaymentRequired holds the last decoded payment terms, if any.
	PaymentRequired *PaymentRequired `json:"paymentRequired,omitempty"`

	// Body of the last response.
	Body []byte `json:"-"`

	Err error `json:"-"`
}

// NewError builds an X402Error wrapping err.
func NewError(code string, err error, format string, args ...any) *X402Error {
	return &X402Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// Is matches another *X402Error by code, so errors.Is(err,
// &X402Error{Code: ErrCancelled}) works.
func (e *X402Error) Is(target error) bool {
	var t *X402Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// IsCode reports whether err is an *X402Error with the given code.
func IsCode(err error, code string) bool {
	var e *X402Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// ErrorCode returns the code of err or "" when err is not an *X402Error.
func ErrorCode(err error) string {
	var e *X402Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
