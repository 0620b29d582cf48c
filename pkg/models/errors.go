package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrAlreadyPublished     = errors.New("definition version already published")
	ErrStepNotActive        = errors.New("step is not active")
	ErrInstanceTerminal     = errors.New("instance is in a terminal state")
	ErrInstanceSuspended    = errors.New("instance is suspended")
	ErrNotAssignee          = errors.New("actor is not an assignee of the step")
	ErrDelegationNotAllowed = errors.New("delegation is not allowed on this step")
	ErrDepthExceeded        = errors.New("sub-workflow depth exceeded")
	ErrInvalidInput         = errors.New("invalid input")
)

// DefinitionValidationError lists every problem found at publish time.
type DefinitionValidationError struct {
	Problems []string
}

func (e *DefinitionValidationError) Error() string {
	return "invalid workflow definition: " + strings.Join(e.Problems, "; ")
}

// UnresolvableApproverError is raised when an approval step has no approvers,
// or fewer than its required approvals.
type UnresolvableApproverError struct {
	StepID     string
	Expression string
	Resolved   int
	Required   int
}

func (e *UnresolvableApproverError) Error() string {
	if e.Required > 0 {
		return fmt.Sprintf("step %s: %d approvers resolved but %d approvals are required", e.StepID, e.Resolved, e.Required)
	}
	return fmt.Sprintf("step %s: approver expression %q resolved to no users", e.StepID, e.Expression)
}

// ExpressionEvaluationError wraps a parse or evaluation failure.
type ExpressionEvaluationError struct {
	Expression string
	Err        error
}

func (e *ExpressionEvaluationError) Error() string {
	return fmt.Sprintf("evaluate %q: %v", e.Expression, e.Err)
}

func (e *ExpressionEvaluationError) Unwrap() error { return e.Err }

// ExternalCallTransientError marks an external failure worth retrying.
type ExternalCallTransientError struct {
	IntegrationID string
	Err           error
}

func (e *ExternalCallTransientError) Error() string {
	return fmt.Sprintf("transient failure calling %s: %v", e.IntegrationID, e.Err)
}

func (e *ExternalCallTransientError) Unwrap() error { return e.Err }

// ExternalCallError is a permanent external failure, including exhausted retries.
type ExternalCallError struct {
	IntegrationID string
	Operation     string
	Err           error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call %s/%s failed: %v", e.IntegrationID, e.Operation, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// CompensationFailure is recorded when a compensation action fails.
type CompensationFailure struct {
	StepID string
	Action string
	Err    error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("compensation %s for step %s failed: %v", e.Action, e.StepID, e.Err)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *ExternalCallTransientError
	return errors.As(err, &t)
}
