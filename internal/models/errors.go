package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyInProgress = errors.New("already in progress")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnsupportedMedia  = errors.New("unsupported media")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrSearchUnavailable = errors.New("search unavailable")
	ErrCancelled         = errors.New("cancelled")
)

// TransientError marks a provider failure that may succeed when retried:
// timeouts, rate limits, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
