package domain

// RunState is the lifecycle of a pipeline run.
type RunState string

const (
	RunStateNotStarted RunState = "NotStarted"
	RunStateRunning    RunState = "Running"
	RunStateSucceeded  RunState = "Succeeded"
	RunStateAborted    RunState = "Aborted"
)

func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateAborted
}

// StepState is the outcome of a single step within a run.
type StepState string

const (
	StepStateSucceeded    StepState = "Succeeded"
	StepStateFailed       StepState = "Failed"
	StepStateNotAttempted StepState = "NotAttempted"
)

// RunStatus is a point-in-time view of a run: the state plus the 1-based
// index of the current (Running) or failing (Aborted) step.
type RunStatus struct {
	State     RunState
	StepIndex int
}
