package article

import (
	"errors"
	"fmt"
)

// ValidationError reports a payload that violates its contract. Nothing is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced article id that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("article %q not found", e.ID)
}

// IndexUnavailableError wraps storage failures that make the candidate index unusable.
type IndexUnavailableError struct {
	Err error
}

func (e *IndexUnavailableError) Error() string {
	if e.Err == nil {
		return "candidate index unavailable"
	}
	return "candidate index unavailable: " + e.Err.Error()
}

func (e *IndexUnavailableError) Unwrap() error {
	return e.Err
}

// ErrRevisionConflict is returned when an update was computed against a stale revision.
var ErrRevisionConflict = errors.New("article revision changed concurrently")

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsIndexUnavailable(err error) bool {
	var target *IndexUnavailableError
	return errors.As(err, &target)
}
