package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sbtc/oss-medical-record/internal/domain"
	executor "github.com/sbtc/oss-medical-record/internal/execution/executor"
	"github.com/sbtc/oss-medical-record/internal/platform/tracing"
	"github.com/sbtc/oss-medical-record/internal/registry"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

// runState accumulates what earlier steps produced.
type runState struct {
	handles map[string]domain.DeployedHandle
	entries map[string]domain.RegistryEntry
}

// runStep deploys the step's descriptors in order, then runs its calls, then
// applies its registry directives as one batch: either all of them land or
// none does. Collaborators are called with a context that cannot be
// cancelled.
func (p *Pipeline) runStep(ctx context.Context, step domain.ExecutionPlanStep, run *runState) (domain.StepReport, *StepError) {
	ctx, span := p.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		tracing.AttrStep.String(step.Step.Name),
		tracing.AttrStepIndex.Int(step.Index),
	))
	defer span.End()
	callCtx := context.WithoutCancel(ctx)

	report := domain.StepReport{Index: step.Index, Name: step.Step.Name, Status: domain.StepStateFailed}
	fail := func(component string, err error) (domain.StepReport, *StepError) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Error = err.Error()
		return report, &StepError{Index: step.Index, Step: step.Step.Name, Component: component, Err: err}
	}

	p.logger.Info("step started", "step", step.Step.Name, "step_index", step.Index)

	for _, desc := range step.Step.Deploy {
		handle, err := p.deploy(callCtx, run, desc)
		if err != nil {
			return fail(desc.Name, err)
		}
		run.handles[handle.Component] = handle
		report.Deployments = append(report.Deployments, handle)
	}

	for _, call := range step.Step.Calls {
		result, err := p.invoke(callCtx, run, call)
		if err != nil {
			return fail(call.Target.Ref, err)
		}
		report.Invocations = append(report.Invocations, result)
	}

	if len(step.Step.Registry) > 0 {
		entries, component, err := p.applyDirectives(callCtx, run, step.Step.Registry)
		if err != nil {
			return fail(component, err)
		}
		for _, entry := range entries {
			run.entries[entry.Name] = entry
		}
		report.Registry = append(report.Registry, entries...)
	}

	report.Status = domain.StepStateSucceeded
	return report, nil
}

func (p *Pipeline) deploy(ctx context.Context, run *runState, desc domain.ComponentDescriptor) (domain.DeployedHandle, error) {
	name := strings.TrimSpace(desc.Name)
	ctx, span := p.tracer.Start(ctx, "pipeline.deploy", trace.WithAttributes(tracing.AttrComponent.String(name)))
	defer span.End()

	args, err := p.resolveArgs(ctx, run, desc.Args)
	if err != nil {
		return domain.DeployedHandle{}, err
	}
	logic := ""
	if desc.Logic != nil {
		value, err := p.resolveArg(ctx, run, *desc.Logic)
		if err != nil {
			return domain.DeployedHandle{}, err
		}
		logic = fmt.Sprint(value)
	}

	handle, err := p.deployer.Deploy(ctx, executor.DeployRequest{
		RunID:        p.cfg.RunID,
		Network:      p.cfg.Network,
		Component:    name,
		Artifact:     desc.ArtifactName(),
		Args:         args,
		LogicAddress: logic,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.DeployedHandle{}, executor.AsDeploymentError(name, desc.ArtifactName(), err)
	}
	if handle.Component == "" {
		handle.Component = name
	}
	if handle.Artifact == "" {
		handle.Artifact = desc.ArtifactName()
	}
	if handle.LogicAddress == "" {
		handle.LogicAddress = logic
	}
	if handle.DeployedAt.IsZero() {
		handle.DeployedAt = p.now().UTC()
	}

	p.logger.Info("component deployed",
		"component", name,
		"artifact", handle.Artifact,
		"address", handle.Address,
		"logic_address", handle.LogicAddress,
	)
	return handle, nil
}

func (p *Pipeline) invoke(ctx context.Context, run *runState, call domain.Invocation) (domain.InvocationReport, error) {
	target, err := p.resolveArg(ctx, run, call.Target)
	if err != nil {
		return domain.InvocationReport{}, err
	}
	address := fmt.Sprint(target)
	component := call.Target.Ref
	args, err := p.resolveArgs(ctx, run, call.Args)
	if err != nil {
		return domain.InvocationReport{}, err
	}

	req := executor.CallRequest{
		RunID:     p.cfg.RunID,
		Network:   p.cfg.Network,
		Component: component,
		Address:   address,
		Method:    call.Method,
		Args:      args,
	}
	var result executor.CallResult
	if call.Read {
		result, err = p.deployer.Read(ctx, req)
	} else {
		result, err = p.deployer.Call(ctx, req)
	}
	if err != nil {
		return domain.InvocationReport{}, executor.AsInvocationError(component, address, call.Method, err)
	}

	if call.Read && call.Expect != nil {
		want, err := p.resolveArg(ctx, run, *call.Expect)
		if err != nil {
			return domain.InvocationReport{}, err
		}
		if !sameValue(result.Value, want) {
			return domain.InvocationReport{}, &executor.InvocationError{
				Component: component,
				Address:   address,
				Method:    call.Method,
				Err:       fmt.Errorf("%w: got %v, want %v", ErrUnexpectedValue, result.Value, want),
			}
		}
	}

	value := result.Value
	if !call.Read {
		value = result.TxHash
	}
	p.logger.Info("component invoked", "component", component, "address", address, "method", call.Method, "read", call.Read)
	return domain.InvocationReport{
		Target:  component,
		Address: address,
		Method:  call.Method,
		Read:    call.Read,
		Result:  value,
	}, nil
}

// applyDirectives resolves every directive of a step, then writes them in a
// single registry batch. A later directive's logic reference may name an
// entry staged by an earlier one. On failure it also returns the component
// the failing directive records.
func (p *Pipeline) applyDirectives(ctx context.Context, run *runState, directives []domain.RegistryDirective) ([]domain.RegistryEntry, string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.registry", trace.WithAttributes(
		tracing.AttrDirectives.Int(len(directives)),
	))
	defer span.End()
	failed := func(component string, err error) ([]domain.RegistryEntry, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, component, err
	}

	staged := &runState{handles: run.handles, entries: make(map[string]domain.RegistryEntry, len(run.entries)+len(directives))}
	for name, entry := range run.entries {
		staged.entries[name] = entry
	}

	changes := make([]registry.Change, 0, len(directives))
	for _, directive := range directives {
		change, err := p.directiveChange(ctx, staged, directive)
		if err != nil {
			return failed(directive.ComponentName(), err)
		}
		staged.entries[change.Input.Name] = domain.RegistryEntry{
			Name:         change.Input.Name,
			Address:      change.Input.Address,
			LogicAddress: change.Input.LogicAddress,
		}
		changes = append(changes, change)
	}

	entries, err := p.registry.Apply(ctx, changes)
	if err != nil {
		component := directives[0].ComponentName()
		var ce *registry.ChangeError
		if errors.As(err, &ce) && ce.Index >= 0 && ce.Index < len(directives) {
			component = directives[ce.Index].ComponentName()
		}
		return failed(component, err)
	}
	for _, entry := range entries {
		span.AddEvent("registry entry recorded", trace.WithAttributes(
			tracing.AttrRegistry.String(entry.Name),
			tracing.AttrVersion.Int(entry.Version),
		))
	}
	return entries, "", nil
}

func (p *Pipeline) directiveChange(ctx context.Context, run *runState, directive domain.RegistryDirective) (registry.Change, error) {
	handle, ok := run.handles[directive.ComponentName()]
	if !ok {
		return registry.Change{}, fmt.Errorf("component %q has not been deployed in this run", directive.ComponentName())
	}
	logic := handle.LogicAddress
	if directive.Logic != nil {
		value, err := p.resolveArg(ctx, run, *directive.Logic)
		if err != nil {
			return registry.Change{}, err
		}
		logic = fmt.Sprint(value)
	}

	in := registry.RegisterInput{
		Name:         strings.TrimSpace(directive.Name),
		Version:      directive.Version,
		Address:      handle.Address,
		LogicAddress: logic,
		RunID:        p.cfg.RunID,
	}
	switch directive.Action {
	case domain.DirectiveRegister:
		if in.Version == 0 {
			in.Version = 1
		}
		return registry.Change{Input: in}, nil
	case domain.DirectiveUpgrade:
		return registry.Change{Upgrade: true, Input: in}, nil
	default:
		return registry.Change{}, fmt.Errorf("unknown registry action %q", directive.Action)
	}
}

func (p *Pipeline) resolveArgs(ctx context.Context, run *runState, args []domain.Arg) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, arg := range args {
		value, err := p.resolveArg(ctx, run, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

// resolveArg turns a reference into the address or constant it names.
// Literals pass through untouched.
func (p *Pipeline) resolveArg(ctx context.Context, run *runState, arg domain.Arg) (any, error) {
	switch arg.Kind {
	case domain.ArgLiteral, "":
		return arg.Value, nil
	case domain.ArgComponent:
		handle, ok := run.handles[arg.Ref]
		if !ok {
			return nil, fmt.Errorf("%s: component %q has not been deployed", arg, arg.Ref)
		}
		if arg.Field == domain.FieldLogic {
			if handle.LogicAddress == "" {
				return nil, fmt.Errorf("%s: component %q has no logic address", arg, arg.Ref)
			}
			return handle.LogicAddress, nil
		}
		return handle.Address, nil
	case domain.ArgNetwork:
		value, ok := p.cfg.Constants[arg.Ref]
		if !ok || strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%s: not defined for network %q", arg, p.cfg.Network)
		}
		return value, nil
	case domain.ArgRegistry:
		entry, ok := run.entries[arg.Ref]
		if !ok {
			var err error
			entry, err = p.registry.Resolve(ctx, arg.Ref)
			if err != nil {
				return nil, err
			}
		}
		if arg.Field == domain.FieldLogic {
			if entry.LogicAddress == "" {
				return nil, fmt.Errorf("%s: %q v%d has no logic address", arg, arg.Ref, entry.Version)
			}
			return entry.LogicAddress, nil
		}
		return entry.Address, nil
	default:
		return nil, fmt.Errorf("unknown argument kind %q", arg.Kind)
	}
}

// sameValue compares a read result with its expectation. Hex strings such as
// addresses compare case-insensitively; json.Number results compare exactly
// by numeric value.
func sameValue(got, want any) bool {
	if n, ok := got.(json.Number); ok {
		g, gok := exactNumber(n)
		w, wok := exactNumber(want)
		if gok && wok {
			return g.Cmp(w) == 0
		}
		got = n.String()
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		gs, ws = strings.TrimSpace(gs), strings.TrimSpace(ws)
		if strings.HasPrefix(gs, "0x") || strings.HasPrefix(gs, "0X") {
			return strings.EqualFold(gs, ws)
		}
		return gs == ws
	}
	if reflect.DeepEqual(got, want) {
		return true
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func exactNumber(v any) (*big.Rat, bool) {
	var text string
	switch n := v.(type) {
	case json.Number:
		text = n.String()
	case string:
		text = strings.TrimSpace(n)
	case int:
		text = strconv.Itoa(n)
	case int64:
		text = strconv.FormatInt(n, 10)
	case uint64:
		text = strconv.FormatUint(n, 10)
	case float64:
		text = strconv.FormatFloat(n, 'g', -1, 64)
	default:
		return nil, false
	}
	return new(big.Rat).SetString(text)
}

type stepResultPayload struct {
	Deployments []deploymentPayload `json:"deployments,omitempty"`
	Invocations []invocationPayload `json:"invocations,omitempty"`
	Registry    []registryPayload   `json:"registry,omitempty"`
}

type deploymentPayload struct {
	Component    string `json:"component"`
	Address      string `json:"address"`
	LogicAddress string `json:"logicAddress,omitempty"`
}

type invocationPayload struct {
	Target string `json:"target"`
	Method string `json:"method"`
	Read   bool   `json:"read,omitempty"`
	Result any    `json:"result,omitempty"`
}

type registryPayload struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	Address string `json:"address"`
}

func (p *Pipeline) recordStep(ctx context.Context, startedAt time.Time, report domain.StepReport) error {
	if p.steps == nil {
		return nil
	}

	payload := stepResultPayload{}
	for _, d := range report.Deployments {
		payload.Deployments = append(payload.Deployments, deploymentPayload{Component: d.Component, Address: d.Address, LogicAddress: d.LogicAddress})
	}
	for _, inv := range report.Invocations {
		payload.Invocations = append(payload.Invocations, invocationPayload{Target: inv.Target, Method: inv.Method, Read: inv.Read, Result: inv.Result})
	}
	for _, e := range report.Registry {
		payload.Registry = append(payload.Registry, registryPayload{Name: e.Name, Version: e.Version, Address: e.Address})
	}
	result, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}

	finishedAt := p.now().UTC()
	_, _, err = p.steps.InsertStep(context.WithoutCancel(ctx), repo.StepExecutionRecord{
		ID:           uuid.NewString(),
		Namespace:    p.registry.Namespace(),
		RunID:        p.cfg.RunID,
		StepIndex:    report.Index,
		StepName:     report.Name,
		Status:       string(report.Status),
		StartedAt:    startedAt,
		FinishedAt:   &finishedAt,
		ErrorMessage: report.Error,
		Result:       result,
	})
	if err != nil {
		return fmt.Errorf("record step %d: %w", report.Index, err)
	}
	return nil
}
