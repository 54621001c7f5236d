package model

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Services return these (usually wrapped); the HTTP
// layer maps them to status codes in one place.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrDuplicate       = errors.New("duplicate")
	ErrLocked          = errors.New("account locked")

	// ErrInvalidCredentials is the generic login failure. It deliberately
	// carries no information about whether the username exists.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// ValidationError is a rule-violating or malformed input. Reason is a
// stable machine-readable code; Message is actionable text for the user.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validation builds a ValidationError with a stable reason code.
func Validation(reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
