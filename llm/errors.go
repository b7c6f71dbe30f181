// Package llm holds the failure classification and retry policy shared by
// the model-backed pipeline collaborators (planner, generator, verifier,
// replanner, responder).
package llm

import (
	"context"
	"errors"
	"fmt"
)

// TransientError is a temporary failure that may succeed on retry, such as
// a rate limit or an unreachable worker.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) error {
	return &TransientError{err: fmt.Errorf(format, args...)}
}

// FatalError is a permanent failure that must not be retried, such as a
// malformed response or a rejected request.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// Fatalf formats a fatal error.
func Fatalf(format string, args ...any) error {
	return &FatalError{err: fmt.Errorf(format, args...)}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Retryable reports whether Retry should try again after err. Fatal errors
// and context cancellation stop retries; unclassified errors are retried.
func Retryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
