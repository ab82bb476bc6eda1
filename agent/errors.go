package agent

import (
	"errors"
)

// Error classification. Failures are behaviors, not types: transient
// failures may be retried, permanent ones end the phase, and policy
// violations hand control to the operator.

// TransientError wraps a temporary failure that may succeed on retry.
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

// PermanentError wraps a failure that retrying cannot fix: schema
// violations, contract mismatches, missing required artifacts.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// NewPermanentError wraps an error as permanent (non-retryable).
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// PolicyViolationError wraps a failure caused by a governance rule.
type PolicyViolationError struct {
	err error
}

func (e *PolicyViolationError) Error() string {
	return e.err.Error()
}

func (e *PolicyViolationError) Unwrap() error {
	return e.err
}

// NewPolicyViolationError wraps an error as a policy violation.
func NewPolicyViolationError(err error) error {
	return &PolicyViolationError{err: err}
}

// IsTransient returns true if the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsPermanent returns true if the error should not be retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsPolicyViolation returns true if the error came from a governance rule.
func IsPolicyViolation(err error) bool {
	var violation *PolicyViolationError
	return errors.As(err, &violation)
}

// ErrBudgetExhausted is returned when admission is denied even at the
// minimal strategy. Classified permanent: retrying without operator
// intervention cannot free budget.
var ErrBudgetExhausted = errors.New("budget exhausted")
