// Package errors defines the service error taxonomy and its HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error category in API responses.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeInvalidFormat       ErrorCode = "INVALID_FORMAT"
	CodeUnauthenticated     ErrorCode = "AUTHENTICATION_ERROR"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeUnauthorized        ErrorCode = "AUTHORIZATION_ERROR"
	CodePaymentRequired     ErrorCode = "PAYMENT_REQUIRED"
	CodePaymentVerification ErrorCode = "PAYMENT_VERIFICATION_FAILED"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeCapExceeded         ErrorCode = "CAP_EXCEEDED"
	CodeGatewayUnavailable  ErrorCode = "GATEWAY_UNAVAILABLE"
	CodeInconsistentState   ErrorCode = "INCONSISTENT_STATE"
	CodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an API-facing code, message and status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// =============================================================================
// Constructors
// =============================================================================

// Validation reports a malformed request.
func Validation(message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil)
}

// InvalidFormat reports a field that does not parse.
func InvalidFormat(field, expected string) *ServiceError {
	return newError(CodeInvalidFormat, http.StatusBadRequest,
		fmt.Sprintf("Invalid format for %s, expected %s", field, expected), nil).
		WithDetails("field", field)
}

// Unauthenticated reports a missing or invalid session.
func Unauthenticated(message string) *ServiceError {
	if message == "" {
		message = "Authentication required"
	}
	return newError(CodeUnauthenticated, http.StatusUnauthorized, message, nil)
}

// InvalidToken reports a session token that failed validation.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

// Unauthorized reports a valid identity lacking rights over the target resource.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Not authorized to perform this action"
	}
	return newError(CodeUnauthorized, http.StatusForbidden, message, nil)
}

// Forbidden is an alias kept for handlers that speak in HTTP terms.
func Forbidden(message string) *ServiceError {
	return Unauthorized(message)
}

// PaymentRequired reports that the request must be paid for before it is served.
func PaymentRequired(message string) *ServiceError {
	return newError(CodePaymentRequired, http.StatusPaymentRequired, message, nil)
}

// PaymentVerificationFailed reports a rejected L402 token. reason is a stable machine code.
func PaymentVerificationFailed(reason string, err error) *ServiceError {
	return newError(CodePaymentVerification, http.StatusUnauthorized, "Payment verification failed", err).
		WithDetails("reason", reason)
}

// Conflict reports a state conflict such as a job that was already claimed.
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource), nil).
		WithDetails("id", id)
}

// InsufficientBalance reports a deduction larger than the available balance.
func InsufficientBalance(available, requested int64) *ServiceError {
	return newError(CodeInsufficientBalance, http.StatusBadRequest, "Insufficient balance", nil).
		WithDetails("available", available).
		WithDetails("requested", requested)
}

// CapExceeded reports an action blocked by a safety cap.
func CapExceeded(message string) *ServiceError {
	return newError(CodeCapExceeded, http.StatusForbidden, message, nil)
}

// GatewayUnavailable reports that the Lightning node cannot be used.
func GatewayUnavailable(err error) *ServiceError {
	return newError(CodeGatewayUnavailable, http.StatusInternalServerError, "Lightning service unavailable", err)
}

// InconsistentState reports a partially applied write. The message never carries internals.
func InconsistentState(err error) *ServiceError {
	return newError(CodeInconsistentState, http.StatusInternalServerError,
		"The operation could not be completed. Support has been notified.", err)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "Rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// =============================================================================
// Helpers
// =============================================================================

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	serviceErr := GetServiceError(err)
	return serviceErr != nil && serviceErr.Code == code
}

// Reason returns the "reason" detail of a ServiceError, if any.
func Reason(err error) string {
	serviceErr := GetServiceError(err)
	if serviceErr == nil {
		return ""
	}
	reason, _ := serviceErr.Details["reason"].(string)
	return reason
}
