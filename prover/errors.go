package prover

import (
	"errors"
	"fmt"
)

// InvalidInputError indicates a malformed or ineligible request. It is
// never retried and is surfaced to the caller immediately.
type InvalidInputError struct {
	err error
}

func NewInvalidInputErrorf(msg string, args ...interface{}) error {
	return InvalidInputError{err: fmt.Errorf(msg, args...)}
}

func (e InvalidInputError) Error() string { return e.err.Error() }
func (e InvalidInputError) Unwrap() error { return e.err }

func IsInvalidInputError(err error) bool {
	var target InvalidInputError
	return errors.As(err, &target)
}

// UnavailableError indicates the backend is temporarily unreachable. The
// operation is retryable with backoff.
type UnavailableError struct {
	err error
}

func NewUnavailableErrorf(msg string, args ...interface{}) error {
	return UnavailableError{err: fmt.Errorf(msg, args...)}
}

func (e UnavailableError) Error() string { return e.err.Error() }
func (e UnavailableError) Unwrap() error { return e.err }

func IsUnavailableError(err error) bool {
	var target UnavailableError
	return errors.As(err, &target)
}

// RetryableError indicates the backend ran and reported a recoverable
// fault. Retrying consumes the attempt budget.
type RetryableError struct {
	err error
}

func NewRetryableErrorf(msg string, args ...interface{}) error {
	return RetryableError{err: fmt.Errorf(msg, args...)}
}

func (e RetryableError) Error() string { return e.err.Error() }
func (e RetryableError) Unwrap() error { return e.err }

func IsRetryableError(err error) bool {
	var target RetryableError
	return errors.As(err, &target)
}

// FatalError indicates the backend ran and reported a non-recoverable
// fault, e.g. malformed guest program input. The task fails immediately.
type FatalError struct {
	err error
}

func NewFatalErrorf(msg string, args ...interface{}) error {
	return FatalError{err: fmt.Errorf(msg, args...)}
}

func (e FatalError) Error() string { return e.err.Error() }
func (e FatalError) Unwrap() error { return e.err }

func IsFatalError(err error) bool {
	var target FatalError
	return errors.As(err, &target)
}

// Retryable reports whether the classified error may be retried. Only
// unavailable backends and recoverable execution faults qualify.
func Retryable(err error) bool {
	return IsUnavailableError(err) || IsRetryableError(err)
}
