package dryrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sbtc/oss-medical-record/internal/domain"
	executor "github.com/sbtc/oss-medical-record/internal/execution/executor"
)

var (
	ErrUnknownAddress = errors.New("no component deployed at address")
	ErrUnknownMethod  = errors.New("method has no recorded value")
)

// Deployer simulates a ledger in memory. Addresses are derived from the
// network, run, component and deployment sequence, so the same manifest
// yields the same addresses on every dry run.
type Deployer struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	contracts map[string]*contract
	failures  map[string]error
	deploys   []executor.DeployRequest
	calls     []executor.CallRequest
}

type contract struct {
	handle domain.DeployedHandle
	args   []any
	state  map[string]any
}

func New() *Deployer {
	return &Deployer{
		now:       time.Now,
		contracts: make(map[string]*contract),
		failures:  make(map[string]error),
	}
}

// FailOn makes every later deploy of component, or call of component.method,
// fail with err.
func (d *Deployer) FailOn(key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[key] = err
}

func (d *Deployer) Deploy(ctx context.Context, req executor.DeployRequest) (domain.DeployedHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeployedHandle{}, err
	}
	component := strings.TrimSpace(req.Component)
	if component == "" {
		return domain.DeployedHandle{}, errors.New("component is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.deploys = append(d.deploys, req)
	if err := d.failures[component]; err != nil {
		return domain.DeployedHandle{}, &executor.DeploymentError{Component: component, Artifact: req.Artifact, Err: err}
	}

	d.seq++
	address := DeterministicAddress(req.Network, req.RunID, component, d.seq)
	handle := domain.DeployedHandle{
		Component:    component,
		Artifact:     req.Artifact,
		Address:      address,
		LogicAddress: req.LogicAddress,
		DeployedAt:   d.now().UTC(),
	}
	d.contracts[address] = &contract{
		handle: handle,
		args:   append([]any(nil), req.Args...),
		state:  make(map[string]any),
	}
	return handle, nil
}

// Call records a state change. setX(v) stores v so that a later read of X
// returns it; any other method stores its arguments under the method name.
func (d *Deployer) Call(ctx context.Context, req executor.CallRequest) (executor.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return executor.CallResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, req)
	c, err := d.lookup(req)
	if err != nil {
		return executor.CallResult{}, err
	}

	key, value := stateKey(req.Method, req.Args)
	c.state[key] = value
	d.seq++
	return executor.CallResult{TxHash: txHash(req, d.seq)}, nil
}

// Read answers from recorded state. "implementation" and "logic" resolve to
// the logic address the component was deployed with.
func (d *Deployer) Read(ctx context.Context, req executor.CallRequest) (executor.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return executor.CallResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, req)
	c, err := d.lookup(req)
	if err != nil {
		return executor.CallResult{}, err
	}

	method := strings.TrimSpace(req.Method)
	if value, ok := c.state[method]; ok {
		return executor.CallResult{Value: value}, nil
	}
	switch method {
	case "implementation", "logic":
		return executor.CallResult{Value: c.handle.LogicAddress}, nil
	}
	return executor.CallResult{}, &executor.InvocationError{
		Component: req.Component,
		Address:   req.Address,
		Method:    method,
		Err:       fmt.Errorf("%w: %s", ErrUnknownMethod, method),
	}
}

// Deployments returns every deploy request received, in order.
func (d *Deployer) Deployments() []executor.DeployRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]executor.DeployRequest(nil), d.deploys...)
}

// Invocations returns every call and read request received, in order.
func (d *Deployer) Invocations() []executor.CallRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]executor.CallRequest(nil), d.calls...)
}

func (d *Deployer) lookup(req executor.CallRequest) (*contract, error) {
	method := strings.TrimSpace(req.Method)
	if err := d.failures[req.Component+"."+method]; err != nil {
		return nil, &executor.InvocationError{Component: req.Component, Address: req.Address, Method: method, Err: err}
	}
	c, ok := d.contracts[strings.ToLower(strings.TrimSpace(req.Address))]
	if !ok {
		return nil, &executor.InvocationError{
			Component: req.Component,
			Address:   req.Address,
			Method:    method,
			Err:       fmt.Errorf("%w %s", ErrUnknownAddress, req.Address),
		}
	}
	return c, nil
}

func stateKey(method string, args []any) (string, any) {
	method = strings.TrimSpace(method)
	if strings.HasPrefix(method, "set") && len(method) > 3 && len(args) == 1 {
		name := method[3:]
		return strings.ToLower(name[:1]) + name[1:], args[0]
	}
	return method, append([]any(nil), args...)
}

// DeterministicAddress derives a 20-byte hex address.
func DeterministicAddress(network, runID, component string, seq int) string {
	seed := fmt.Sprintf("%s:%s:%s:%d", network, runID, component, seq)
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:20])
}

func txHash(req executor.CallRequest, seq int) string {
	seed := fmt.Sprintf("%s:%s:%s:%s:%d", req.Network, req.RunID, req.Address, req.Method, seq)
	sum := sha256.Sum256([]byte(seed))
	return "0x" + hex.EncodeToString(sum[:])
}
