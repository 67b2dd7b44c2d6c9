package ingestion

import (
	"errors"
)

var (
	ErrNotFound           = errors.New("ingestion not found")
	ErrConflict           = errors.New("ingestion conflict")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

// ValidationError marks caller input that can never succeed as submitted.
type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
