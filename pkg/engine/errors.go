// Package engine holds the error and state types shared by the package plan,
// the service actuator and the transaction orchestrator.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed when the
	// transaction is attempted again, e.g. a service command that timed out.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a disagreement between the proposal and the
	// recorded install state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeInvalidProposal   = "INVALID_PROPOSAL"
	ErrCodeInvalidPlan       = "INVALID_PLAN"
	ErrCodeDuplicateAction   = "DUPLICATE_ACTION"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeInconsistentState = "INCONSISTENT_STATE"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the package FMRI or service identifier involved, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the phase being run when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewPolicyDeniedError reports a transaction refused by policy. violations
// holds one message per blocking violation.
func NewPolicyDeniedError(violations []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("transaction denied by policy: %s", strings.Join(violations, "; ")), nil).
		WithCode(ErrCodePolicyDenied).
		WithOperation(string(PhaseEvaluate)).
		WithDetail("violations", violations)
}

// NewInvalidProposalError reports a destination that is already installed or a
// removal of something that is not installed.
func NewInvalidProposalError(pkg, reason string) *EngineError {
	return NewConflictError(reason, nil).
		WithCode(ErrCodeInvalidProposal).
		WithResource(pkg)
}

// NewInvalidPlanError reports a plan that fails the validity rule.
func NewInvalidPlanError(plan, reason string) *EngineError {
	return NewPermanentError(reason, nil).
		WithCode(ErrCodeInvalidPlan).
		WithResource(plan).
		WithOperation(string(PhaseEvaluate))
}

// NewInvalidStateError reports a phase invoked out of order.
func NewInvalidStateError(phase Phase, current PlanState) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("cannot run %s from state %s", phase, current), nil).
		WithCode(ErrCodeInvalidState).
		WithOperation(string(phase)).
		WithDetail("state", string(current))
}

// Duplicate names an action identity that occurs more than once in a manifest.
type Duplicate struct {
	Name  string
	Key   string
	Count int
}

func (d Duplicate) String() string {
	return fmt.Sprintf("%s %s (%d occurrences)", d.Name, d.Key, d.Count)
}

// NewDuplicateActionError reports duplicated action identities found in a
// destination manifest.
func NewDuplicateActionError(pkg string, dups []Duplicate) *EngineError {
	names := make([]string, 0, len(dups))
	for _, d := range dups {
		names = append(names, d.String())
	}
	return NewPermanentError("duplicate actions: "+strings.Join(names, ", "), nil).
		WithCode(ErrCodeDuplicateAction).
		WithResource(pkg).
		WithOperation(string(PhaseEvaluate)).
		WithDetail("duplicates", dups)
}

// ActionError wraps a failure raised by one action's lifecycle hook.
type ActionError struct {
	Phase   Phase
	Action  string // "type key"
	Package string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s of action %s in %s failed: %v", e.Phase, e.Action, e.Package, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// CommandError reports a service-management command that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Args, " "), e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", strings.Join(e.Args, " "), e.ExitCode, out)
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInvalidProposal reports whether err is an invalid proposal.
func IsInvalidProposal(err error) bool { return hasCode(err, ErrCodeInvalidProposal) }

// IsInvalidPlan reports whether err is an invalid plan.
func IsInvalidPlan(err error) bool { return hasCode(err, ErrCodeInvalidPlan) }

// IsDuplicateAction reports whether err reports duplicate actions.
func IsDuplicateAction(err error) bool { return hasCode(err, ErrCodeDuplicateAction) }

// IsInvalidState reports whether err is a phase ordering violation.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsPolicyDenied reports whether err is a policy denial.
func IsPolicyDenied(err error) bool { return hasCode(err, ErrCodePolicyDenied) }

// IsActionFailure reports whether err carries an ActionError.
func IsActionFailure(err error) bool {
	var e *ActionError
	return errors.As(err, &e)
}

// IsCommandFailure reports whether err carries a CommandError.
func IsCommandFailure(err error) bool {
	var e *CommandError
	return errors.As(err, &e)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the whole transaction may be attempted again.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Code returns the error code carried by err, or ErrCodeInternal for
// unclassified errors and the empty string for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	if IsActionFailure(err) {
		return ErrCodeActionFailed
	}
	if IsCommandFailure(err) {
		return ErrCodeCommandFailed
	}
	return ErrCodeInternal
}
