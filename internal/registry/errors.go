package registry

import "errors"

var (
	// ErrVersionConflict reports a non-contiguous version: anything other
	// than current+1 (or 1 for a new name).
	ErrVersionConflict       = errors.New("version conflict")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrUnknownComponent      = errors.New("unknown component")
	ErrUnknownVersion        = errors.New("unknown version")
)

// ChangeError attributes a failed Apply to the change at Index. Nothing of
// the batch was written.
type ChangeError struct {
	Index int
	Name  string
	Err   error
}

func (e *ChangeError) Error() string {
	return e.Err.Error()
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

func changeError(index int, name string, err error) error {
	return &ChangeError{Index: index, Name: name, Err: err}
}

func unwrapChange(err error) error {
	var ce *ChangeError
	if errors.As(err, &ce) {
		return ce.Err
	}
	return err
}
