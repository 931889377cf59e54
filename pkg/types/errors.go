package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the pipeline.
type ErrorKind string

const (
	ErrorInvalidInput         ErrorKind = "invalid_input"          // ErrorInvalidInput indicates a bad goal or page model. Never retried.
	ErrorReasoningFailure     ErrorKind = "reasoning_failure"      // ErrorReasoningFailure indicates the goal reasoner failed or produced malformed output.
	ErrorValidationRejected   ErrorKind = "validation_rejected"    // ErrorValidationRejected indicates the validator reported errors for the plan.
	ErrorPoolExhausted        ErrorKind = "pool_exhausted"         // ErrorPoolExhausted indicates no session became available within the acquire timeout.
	ErrorStepExecutionFailure ErrorKind = "step_execution_failure" // ErrorStepExecutionFailure indicates a browser action failed.
	ErrorApprovalRejected     ErrorKind = "approval_rejected"      // ErrorApprovalRejected records a human rejection. Terminal, not a failure.
	ErrorCancelled            ErrorKind = "cancelled"              // ErrorCancelled records a user or operator cancellation.
)

// Retryable reports whether failures of this kind are eligible for a
// task-level retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorReasoningFailure, ErrorValidationRejected, ErrorPoolExhausted, ErrorStepExecutionFailure:
		return true
	}
	return false
}

// ErrorDetail carries contextual information for a TaskError.
type ErrorDetail struct {
	Step      int               `json:"step,omitempty"`
	Action    ActionKind        `json:"action,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Findings  []string          `json:"findings,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// TaskError is the structured error attached to tasks and outcomes.
type TaskError struct {
	Kind    ErrorKind   `json:"kind"`
	Message string      `json:"message"`
	Detail  ErrorDetail `json:"detail"`
}

// NewTaskError creates a TaskError with an empty detail.
func NewTaskError(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the error is eligible for a task-level retry.
func (e *TaskError) Retryable() bool {
	return e != nil && e.Kind.Retryable()
}

// WithStep sets the step context and returns the receiver.
func (e *TaskError) WithStep(step int, action ActionKind) *TaskError {
	e.Detail.Step = step
	e.Detail.Action = action
	return e
}

// WithExtra adds an opaque annotation and returns the receiver.
func (e *TaskError) WithExtra(key, value string) *TaskError {
	if e.Detail.Extra == nil {
		e.Detail.Extra = make(map[string]string)
	}
	e.Detail.Extra[key] = value
	return e
}

// Clone returns a deep copy of the error.
func (e *TaskError) Clone() *TaskError {
	if e == nil {
		return nil
	}
	c := *e
	c.Detail.Findings = append([]string(nil), e.Detail.Findings...)
	if e.Detail.Extra != nil {
		c.Detail.Extra = make(map[string]string, len(e.Detail.Extra))
		for k, v := range e.Detail.Extra {
			c.Detail.Extra[k] = v
		}
	}
	return &c
}

// KindOf returns the ErrorKind of err if it wraps a TaskError, or "" otherwise.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
