package domain

import "time"

// RunReport is the observable output of a pipeline run.
type RunReport struct {
	RunID      string
	Namespace  string
	Network    string
	Status     RunState
	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepReport
	Abort      *AbortReport
}

type StepReport struct {
	Index       int
	Name        string
	Status      StepState
	Deployments []DeployedHandle
	Invocations []InvocationReport
	Registry    []RegistryEntry
	Error       string
}

type InvocationReport struct {
	Target  string
	Address string
	Method  string
	Read    bool
	Result  any
}

// AbortReport names the failing step and descriptor with the cause verbatim.
type AbortReport struct {
	StepIndex int
	StepName  string
	Component string
	Cause     string
}

// Succeeded reports whether every step was applied.
func (r RunReport) Succeeded() bool {
	return r.Status == RunStateSucceeded
}
