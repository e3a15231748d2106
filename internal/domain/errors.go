package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the case error taxonomy. Handlers map these onto
// HTTP codes; the engine never auto-retries a conflict.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAlreadyClosed = errors.New("case already closed")
	ErrConflict      = errors.New("case modified concurrently")
)

// Invalidf wraps ErrInvalidInput with a formatted detail message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
