package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted  = errors.New("pipeline run already started")
	ErrUnexpectedValue = errors.New("read returned an unexpected value")
)

// StepError names the step and descriptor a run aborted on. Err carries the
// collaborator or registry error unchanged.
type StepError struct {
	Index     int
	Step      string
	Component string
	Err       error
}

func (e *StepError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
	}
	return fmt.Sprintf("step %d (%s) %s: %v", e.Index, e.Step, e.Component, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
