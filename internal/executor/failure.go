// Package executor wraps agent invocations with timeout enforcement and
// failure classification. The scheduler only ever sees a classified
// Failure; the retry decision lives with the classification, not with the
// agents.
package executor

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a task attempt failed.
type FailureKind string

const (
	// FailureInvalidInput marks input the agent can never process. Not
	// retryable.
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureTimeout marks an attempt that exceeded its role's deadline.
	// Retryable.
	FailureTimeout FailureKind = "timeout"
	// FailureTransient marks an infrastructure-flavored error (network,
	// rate limit, broker hiccup). Retryable.
	FailureTransient FailureKind = "transient"
	// FailurePermanent marks a deterministic agent error that will not go
	// away on retry.
	FailurePermanent FailureKind = "permanent"
)

// Retryable reports whether another attempt can change the outcome.
func (k FailureKind) Retryable() bool {
	return k == FailureTimeout || k == FailureTransient
}

// Failure is a classified task failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the scheduler may retry this failure.
func (f *Failure) Retryable() bool {
	return f.Kind.Retryable()
}

// Invalidf builds an invalid-input failure.
func Invalidf(format string, args ...any) *Failure {
	return &Failure{Kind: FailureInvalidInput, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a permanent failure.
func Permanentf(format string, args ...any) *Failure {
	return &Failure{Kind: FailurePermanent, Err: fmt.Errorf(format, args...)}
}

// Transientf builds a transient failure.
func Transientf(format string, args ...any) *Failure {
	return &Failure{Kind: FailureTransient, Err: fmt.Errorf(format, args...)}
}

// Classify maps an arbitrary error onto the failure taxonomy. Errors that
// already carry a classification pass through unchanged; context deadline
// errors become timeouts; everything else is assumed transient, so unknown
// infrastructure errors get retried rather than silently killing a branch.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: FailureTransient, Err: err}
	}

	return &Failure{Kind: FailureTransient, Err: err}
}
