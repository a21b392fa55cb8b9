package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is a client-detectable precondition failure. No network
// call was made; the caller corrects the input and retries.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

func validationf(format string, args ...any) error {
	return &ValidationError{Reasons: []string{fmt.Sprintf(format, args...)}}
}

// TransientError wraps a call that did not complete. Local state is unchanged
// and the caller may retry the same operation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err represents an incomplete call that is safe
// to retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a precondition failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
