package l402

import "errors"

var (
	ErrInvalidHeaderFormat   = errors.New("invalid L402 authorization header format")
	ErrInvalidMacaroon       = errors.New("invalid macaroon")
	ErrInvalidSignature      = errors.New("macaroon signature invalid")
	ErrPreimageMismatch      = errors.New("preimage does not match payment hash")
	ErrTokenExpired          = errors.New("macaroon expired")
	ErrActionMismatch        = errors.New("macaroon not valid for this action")
	ErrPaymentNotSettled     = errors.New("payment not settled")
	ErrPaymentAmountMismatch = errors.New("paid amount does not match expected amount")
	ErrRootKeyTooShort       = errors.New("root key must be at least 32 bytes")
)

// FailureReason returns a stable machine-readable reason for a verification error.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidHeaderFormat):
		return "invalid_header_format"
	case errors.Is(err, ErrInvalidMacaroon):
		return "invalid_macaroon"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrPreimageMismatch):
		return "preimage_mismatch"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrActionMismatch):
		return "action_mismatch"
	case errors.Is(err, ErrPaymentNotSettled):
		return "payment_not_settled"
	case errors.Is(err, ErrPaymentAmountMismatch):
		return "payment_amount_mismatch"
	default:
		return "gateway_error"
	}
}
