package core

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors used across the control plane.
var (
	ErrNotFound      = errors.New("not found")
	ErrPoolExhausted = errors.New("pool_exhausted")
	ErrCircuitOpen   = errors.New("circuit breaker is open")
)

// PolicyViolationError is raised when admission is refused. The job is never
// created and an audit row has already been written.
type PolicyViolationError struct {
	Action AuditAction
	Domain string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation (%s) for %s: %s", e.Action, e.Domain, e.Reason)
}

// ValidationError is raised for malformed requests; nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ExecutionError carries the retryability classification of a failed attempt.
type ExecutionError struct {
	Code      string
	Message   string
	Retryable bool
	Wrapped   error
}

func (e *ExecutionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Wrapped }

// Retryable constructs a retryable execution error.
func Retryable(code, msg string, err error) *ExecutionError {
	return &ExecutionError{Code: code, Message: msg, Retryable: true, Wrapped: err}
}

// Fatal constructs a terminal execution error.
func Fatal(code, msg string, err error) *ExecutionError {
	return &ExecutionError{Code: code, Message: msg, Retryable: false, Wrapped: err}
}

// ClassifyError decides whether an arbitrary execution failure should be
// retried. Explicit ExecutionErrors keep their own classification; transport
// conditions (timeouts, transient network, pool exhaustion, unreachable
// store) retry, payload and selector validation do not.
func ClassifyError(err error) bool {
	if err == nil {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"timeout", "deadline exceeded", "connection refused", "connection reset",
		"temporary", "page crashed", "target closed", "unreachable",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
