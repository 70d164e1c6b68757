package database

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrDatabaseError wraps transport and decoding failures.
	ErrDatabaseError = errors.New("database error")
	// ErrInvalidInput reports a rejected argument.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate reports a unique constraint violation (for example a reused payment hash).
	ErrDuplicate = errors.New("duplicate record")
	// ErrInsufficientFunds reports a balance increment that would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidateID rejects empty identifiers and characters that would break a PostgREST filter.
func ValidateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, kind)
	}
	if strings.ContainsAny(id, ",()&=?# ") {
		return fmt.Errorf("%w: %s contains invalid characters", ErrInvalidInput, kind)
	}
	return nil
}
