package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a transaction run.
type RunStatus string

const (
	// RunStatusPending indicates the transaction is evaluated but not executed.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the transaction is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every plan reached postexecuted.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a phase failed; services were put into
	// maintenance where needed.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// OperationType is what a package plan does to its package.
type OperationType string

const (
	OperationInstall OperationType = "install"
	OperationUpdate  OperationType = "update"
	OperationRemove  OperationType = "remove"
)

// IsDestructive returns true if the operation takes content away from the image.
func (o OperationType) IsDestructive() bool {
	return o == OperationRemove
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationInstall, OperationUpdate, OperationRemove:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// PlanState is the lifecycle state of a single package plan.
type PlanState string

const (
	PlanStateNew          PlanState = "new"
	PlanStateProposed     PlanState = "proposed"
	PlanStateEvaluated    PlanState = "evaluated"
	PlanStatePreexecuted  PlanState = "preexecuted"
	PlanStateExecuted     PlanState = "executed"
	PlanStatePostexecuted PlanState = "postexecuted"
	PlanStateFailed       PlanState = "failed"
)

// IsTerminal returns true if no further phase may run.
func (s PlanState) IsTerminal() bool {
	return s == PlanStatePostexecuted || s == PlanStateFailed
}

// Validate checks if the plan state is valid.
func (s PlanState) Validate() error {
	switch s {
	case PlanStateNew, PlanStateProposed, PlanStateEvaluated, PlanStatePreexecuted,
		PlanStateExecuted, PlanStatePostexecuted, PlanStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan state: %s", s)
	}
}

// Phase names a step of the transaction.
type Phase string

const (
	PhaseEvaluate     Phase = "evaluate"
	PhasePreexecute   Phase = "preexecute"
	PhaseExecute      Phase = "execute"
	PhasePostexecute  Phase = "postexecute"
	PhaseMakeIndices  Phase = "make-indices"
	PhasePreActuator  Phase = "pre-actuators"
	PhasePostActuator Phase = "post-actuators"
	PhaseFailActuator Phase = "fail-actuators"
)

// Requires returns the plan state a plan must be in for the phase to run,
// and the state it moves to on success. Phases that do not belong to a
// package plan return empty states.
func (p Phase) Requires() (from, to PlanState) {
	switch p {
	case PhaseEvaluate:
		return PlanStateProposed, PlanStateEvaluated
	case PhasePreexecute:
		return PlanStateEvaluated, PlanStatePreexecuted
	case PhaseExecute:
		return PlanStatePreexecuted, PlanStateExecuted
	case PhasePostexecute:
		return PlanStateExecuted, PlanStatePostexecuted
	}
	return "", ""
}

// EventType classifies entries in the transaction history.
type EventType string

const (
	EventTransactionStarted   EventType = "transaction.started"
	EventTransactionSucceeded EventType = "transaction.succeeded"
	EventTransactionFailed    EventType = "transaction.failed"
	EventPhaseStarted         EventType = "phase.started"
	EventPhaseCompleted       EventType = "phase.completed"
	EventPhaseFailed          EventType = "phase.failed"
	EventServiceCommand       EventType = "service.command"
	EventAmbiguousFMRI        EventType = "service.ambiguous"
	EventPolicyWarning        EventType = "policy.warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTransactionFailed, EventPhaseFailed:
		return "error"
	case EventAmbiguousFMRI, EventPolicyWarning:
		return "warning"
	default:
		return "info"
	}
}
