package sagaflow

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned by stores when an optimistic version check
// fails: the row was modified between read and write. Callers retry the
// read-modify-write a bounded number of times or fail fast.
var ErrVersionConflict = errors.New("version conflict")

// ValidationError reports a malformed command. It is rejected immediately,
// never retried, and never advances a saga.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps err as a ValidationError.
func NewValidationError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermanentError marks a failure that must not be retried, such as a payload
// that cannot be serialized. The relay fails such events without scheduling
// another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the relay treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// BusinessFailure is a negative result from a collaborator that is part of
// normal operation: payment declined, insufficient stock. It triggers saga
// compensation and is never retried.
type BusinessFailure struct {
	Code   string
	Reason string
}

func (e *BusinessFailure) Error() string {
	return fmt.Sprintf("business failure %s: %s", e.Code, e.Reason)
}

// IsBusinessFailure reports whether err is a BusinessFailure.
func IsBusinessFailure(err error) bool {
	var bf *BusinessFailure
	return errors.As(err, &bf)
}

// TimeoutError reports that a collaborator did not answer within the step
// deadline. It triggers the same compensation path as a BusinessFailure but
// is kept distinct for observability.
type TimeoutError struct {
	Step string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out", e.Step)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
