package state

import (
	"strings"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

// DeriveRunState computes a run's status from its plan and the step records
// persisted so far. A failed step aborts the run at that index; otherwise
// the run is Running at the first step without a terminal record.
func DeriveRunState(plan *domain.ExecutionPlan, records []repo.StepExecutionRecord) domain.RunStatus {
	if plan == nil || len(plan.Steps) == 0 || len(records) == 0 {
		return domain.RunStatus{State: domain.RunStateNotStarted}
	}

	byIndex := make(map[int]domain.StepState, len(records))
	for _, record := range records {
		if state, ok := DeriveStepState(record); ok {
			byIndex[record.StepIndex] = state
		}
	}

	next := 0
	for _, step := range plan.Steps {
		state, ok := byIndex[step.Index]
		switch {
		case ok && state == domain.StepStateFailed:
			return domain.RunStatus{State: domain.RunStateAborted, StepIndex: step.Index}
		case ok && state == domain.StepStateSucceeded:
		default:
			if next == 0 {
				next = step.Index
			}
		}
	}

	if next == 0 {
		return domain.RunStatus{State: domain.RunStateSucceeded}
	}
	return domain.RunStatus{State: domain.RunStateRunning, StepIndex: next}
}

// DeriveStepState maps a persisted status onto a terminal step state.
func DeriveStepState(record repo.StepExecutionRecord) (domain.StepState, bool) {
	switch strings.ToLower(strings.TrimSpace(record.Status)) {
	case "succeeded":
		return domain.StepStateSucceeded, true
	case "failed":
		return domain.StepStateFailed, true
	default:
		return "", false
	}
}
