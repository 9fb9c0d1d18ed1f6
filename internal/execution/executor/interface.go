package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

var (
	ErrDeploymentFailed = errors.New("deployment failed")
	ErrInvocationFailed = errors.New("invocation failed")
)

// Deployer is the ledger boundary. Implementations own transport, timeouts
// and retries; callers never retry a Deploy whose outcome is unknown.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (domain.DeployedHandle, error)
	Call(ctx context.Context, req CallRequest) (CallResult, error)
	Read(ctx context.Context, req CallRequest) (CallResult, error)
}

// DeployRequest carries a descriptor with every reference already resolved.
type DeployRequest struct {
	RunID        string
	Network      string
	Component    string
	Artifact     string
	Args         []any
	LogicAddress string
}

// CallRequest targets a method on an already deployed component.
type CallRequest struct {
	RunID     string
	Network   string
	Component string
	Address   string
	Method    string
	Args      []any
}

type CallResult struct {
	TxHash string
	Value  any
}

// DeploymentError wraps the collaborator's error for one descriptor.
type DeploymentError struct {
	Component string
	Artifact  string
	Err       error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deploy %s: %v", e.Component, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

func (e *DeploymentError) Is(target error) bool {
	return target == ErrDeploymentFailed
}

// InvocationError wraps the collaborator's error for a call or read.
type InvocationError struct {
	Component string
	Address   string
	Method    string
	Err       error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s.%s: %v", e.Component, e.Method, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

func (e *InvocationError) Is(target error) bool {
	return target == ErrInvocationFailed
}

// AsDeploymentError returns err unchanged when it already is a
// DeploymentError and wraps it otherwise.
func AsDeploymentError(component, artifact string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeploymentError
	if errors.As(err, &de) {
		return err
	}
	return &DeploymentError{Component: component, Artifact: artifact, Err: err}
}

// AsInvocationError is AsDeploymentError for calls and reads.
func AsInvocationError(component, address, method string, err error) error {
	if err == nil {
		return nil
	}
	var ie *InvocationError
	if errors.As(err, &ie) {
		return err
	}
	return &InvocationError{Component: component, Address: address, Method: method, Err: err}
}

// Cause returns the collaborator's original error message, without the
// wrapping added by this package.
func Cause(err error) string {
	if err == nil {
		return ""
	}
	var de *DeploymentError
	if errors.As(err, &de) && de.Err != nil {
		return de.Err.Error()
	}
	var ie *InvocationError
	if errors.As(err, &ie) && ie.Err != nil {
		return ie.Err.Error()
	}
	return err.Error()
}
