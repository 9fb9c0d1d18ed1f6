package specvalidator

import (
	"errors"
	"strings"
)

// ErrDanglingReference matches a ValidationError that contains at least one
// reference to a value nothing produces before it is needed.
var ErrDanglingReference = errors.New("dangling reference")

// ValidationError aggregates spec validation issues.
type ValidationError struct {
	Issues   []string
	Dangling []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "spec validation failed"
	}
	return "spec validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

// AddDangling records an issue that is also a dangling reference.
func (e *ValidationError) AddDangling(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
	e.Dangling = append(e.Dangling, issue)
}

// Merge appends the issues of other when it is a *ValidationError, or its
// message otherwise.
func (e *ValidationError) Merge(other error) {
	if other == nil {
		return
	}
	var ve *ValidationError
	if errors.As(other, &ve) {
		e.Issues = append(e.Issues, ve.Issues...)
		e.Dangling = append(e.Dangling, ve.Dangling...)
		return
	}
	e.Add(other.Error())
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrDanglingReference && len(e.Dangling) > 0
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}
