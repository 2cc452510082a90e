package engine

import "fmt"

// FlowState is the state of one flow execution.
type FlowState string

const (
	// FlowPending indicates the flow has not started, or that recovery
	// reverted an interrupted run and the flow is due to run again.
	FlowPending FlowState = "pending"

	// FlowRunning indicates steps are executing.
	FlowRunning FlowState = "running"

	// FlowSuccess indicates every step completed.
	FlowSuccess FlowState = "success"

	// FlowReverting indicates completed steps are being compensated.
	FlowReverting FlowState = "reverting"

	// FlowReverted indicates the flow failed and every compensation succeeded.
	FlowReverted FlowState = "reverted"

	// FlowFailure indicates the flow failed and some compensation failed too,
	// or the flow never started because it was invalid.
	FlowFailure FlowState = "failure"

	// FlowInterrupted indicates execution stopped early on cancellation.
	// Completed steps remain and must be recovered.
	FlowInterrupted FlowState = "interrupted"
)

// IsTerminal returns true if no further work is expected for the flow.
func (s FlowState) IsTerminal() bool {
	return s == FlowSuccess || s == FlowReverted || s == FlowFailure
}

// IsActive returns true if the flow is executing or reverting.
func (s FlowState) IsActive() bool {
	return s == FlowRunning || s == FlowReverting
}

// Validate checks if the flow state is valid.
func (s FlowState) Validate() error {
	switch s {
	case FlowPending, FlowRunning, FlowSuccess, FlowReverting,
		FlowReverted, FlowFailure, FlowInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid flow state: %s", s)
	}
}

// StepState is the state of a single step.
type StepState string

const (
	StepPending       StepState = "pending"
	StepRunning       StepState = "running"
	StepSuccess       StepState = "success"
	StepFailure       StepState = "failure"
	StepReverting     StepState = "reverting"
	StepReverted      StepState = "reverted"
	StepRevertFailure StepState = "revert_failure"
)

// IsTerminal returns true if the step will not change state again.
func (s StepState) IsTerminal() bool {
	return s == StepFailure || s == StepReverted || s == StepRevertFailure
}

// NeedsCompensation returns true if the step may have left side effects
// that were not reverted yet: it completed, was caught mid-revert, failed
// to revert, or was still running or cut short when its run stopped.
func (s StepState) NeedsCompensation() bool {
	switch s {
	case StepSuccess, StepReverting, StepRevertFailure, StepRunning, StepPending:
		return true
	default:
		return false
	}
}

// Validate checks if the step state is valid.
func (s StepState) Validate() error {
	switch s {
	case StepPending, StepRunning, StepSuccess, StepFailure,
		StepReverting, StepReverted, StepRevertFailure:
		return nil
	default:
		return fmt.Errorf("invalid step state: %s", s)
	}
}

// RetryState is the state of a retry-wrapped sub-graph.
type RetryState string

const (
	RetryReady      RetryState = "ready"
	RetryAttempting RetryState = "attempting"
	RetrySucceeded  RetryState = "succeeded"
	RetryExhausted  RetryState = "exhausted"
)

// Mode selects how parallel groups are executed.
type Mode string

const (
	// ModeSerial runs parallel siblings one after another.
	ModeSerial Mode = "serial"

	// ModeParallel runs parallel siblings on separate goroutines.
	ModeParallel Mode = "parallel"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeSerial, ModeParallel:
		return nil
	default:
		return fmt.Errorf("invalid engine mode: %s", m)
	}
}
