package plan

import (
	"encoding/json"
	"fmt"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

// MarshalExecutionPlan serializes an execution plan with stable field names.
// Step bodies are included so a persisted plan can be executed as-is.
func MarshalExecutionPlan(plan domain.ExecutionPlan) ([]byte, error) {
	payload := executionPlanPayload{
		RunID:     plan.RunID,
		Namespace: plan.Namespace,
		Network:   plan.Network,
		Ordering:  string(plan.Ordering),
		Steps:     make([]executionPlanStepPayload, 0, len(plan.Steps)),
		Edges:     make([]executionPlanEdgePayload, 0, len(plan.Edges)),
	}
	for _, step := range plan.Steps {
		payload.Steps = append(payload.Steps, stepPayloadFromDomain(step))
	}
	for _, edge := range plan.Edges {
		payload.Edges = append(payload.Edges, executionPlanEdgePayload{From: edge.From, To: edge.To})
	}
	return json.Marshal(payload)
}

// UnmarshalExecutionPlan parses a persisted plan JSON into a domain ExecutionPlan.
func UnmarshalExecutionPlan(raw []byte) (domain.ExecutionPlan, error) {
	var payload executionPlanPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ExecutionPlan{}, err
	}
	steps := make([]domain.ExecutionPlanStep, 0, len(payload.Steps))
	for _, step := range payload.Steps {
		decoded, err := step.toDomain()
		if err != nil {
			return domain.ExecutionPlan{}, fmt.Errorf("step %q: %w", step.Name, err)
		}
		steps = append(steps, decoded)
	}
	edges := make([]domain.ExecutionPlanEdge, 0, len(payload.Edges))
	for _, edge := range payload.Edges {
		edges = append(edges, domain.ExecutionPlanEdge{From: edge.From, To: edge.To})
	}
	return domain.ExecutionPlan{
		RunID:     payload.RunID,
		Namespace: payload.Namespace,
		Network:   payload.Network,
		Ordering:  domain.Ordering(payload.Ordering),
		Steps:     steps,
		Edges:     edges,
	}, nil
}

type executionPlanPayload struct {
	RunID     string                     `json:"runId"`
	Namespace string                     `json:"namespace"`
	Network   string                     `json:"network,omitempty"`
	Ordering  string                     `json:"ordering"`
	Steps     []executionPlanStepPayload `json:"steps"`
	Edges     []executionPlanEdgePayload `json:"edges"`
}

type executionPlanStepPayload struct {
	Index     int                `json:"index"`
	Name      string             `json:"name"`
	DependsOn []string           `json:"dependsOn,omitempty"`
	Deploy    []componentPayload `json:"deploy,omitempty"`
	Calls     []callPayload      `json:"calls,omitempty"`
	Registry  []directivePayload `json:"registry,omitempty"`
}

type componentPayload struct {
	Name     string `json:"name"`
	Artifact string `json:"artifact,omitempty"`
	Args     []any  `json:"args,omitempty"`
	Logic    string `json:"logic,omitempty"`
}

type callPayload struct {
	Target string `json:"target"`
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
	Read   bool   `json:"read,omitempty"`
	Expect any    `json:"expect,omitempty"`
}

type directivePayload struct {
	Action    string `json:"action"`
	Name      string `json:"name"`
	Component string `json:"component,omitempty"`
	Logic     string `json:"logic,omitempty"`
	Version   int    `json:"version,omitempty"`
}

type executionPlanEdgePayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// encodeArg writes references in ${...} form and escapes literal strings that
// would otherwise read back as references.
func encodeArg(arg domain.Arg) any {
	if arg.IsReference() {
		return arg.String()
	}
	if s, ok := arg.Value.(string); ok && len(s) >= 2 && s[:2] == "${" {
		return "$" + s
	}
	return arg.Value
}

func encodeArgs(args []domain.Arg) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for _, arg := range args {
		out = append(out, encodeArg(arg))
	}
	return out
}

func decodeArgs(raw []any) ([]domain.Arg, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]domain.Arg, 0, len(raw))
	for _, value := range raw {
		arg, err := domain.ParseArg(value)
		if err != nil {
			return nil, err
		}
		out = append(out, arg)
	}
	return out, nil
}

func decodeOptionalRef(raw string) (*domain.Arg, error) {
	if raw == "" {
		return nil, nil
	}
	arg, err := domain.ParseArg(raw)
	if err != nil {
		return nil, err
	}
	return &arg, nil
}

func stepPayloadFromDomain(step domain.ExecutionPlanStep) executionPlanStepPayload {
	out := executionPlanStepPayload{
		Index:     step.Index,
		Name:      step.Step.Name,
		DependsOn: step.Step.DependsOn,
	}
	for _, desc := range step.Step.Deploy {
		c := componentPayload{Name: desc.Name, Artifact: desc.Artifact, Args: encodeArgs(desc.Args)}
		if desc.Logic != nil {
			c.Logic = desc.Logic.String()
		}
		out.Deploy = append(out.Deploy, c)
	}
	for _, call := range step.Step.Calls {
		c := callPayload{
			Target: fmt.Sprint(encodeArg(call.Target)),
			Method: call.Method,
			Args:   encodeArgs(call.Args),
			Read:   call.Read,
		}
		if call.Expect != nil {
			c.Expect = encodeArg(*call.Expect)
		}
		out.Calls = append(out.Calls, c)
	}
	for _, directive := range step.Step.Registry {
		d := directivePayload{
			Action:    string(directive.Action),
			Name:      directive.Name,
			Component: directive.Component,
			Version:   directive.Version,
		}
		if directive.Logic != nil {
			d.Logic = directive.Logic.String()
		}
		out.Registry = append(out.Registry, d)
	}
	return out
}

func (p executionPlanStepPayload) toDomain() (domain.ExecutionPlanStep, error) {
	step := domain.PipelineStep{Name: p.Name, DependsOn: p.DependsOn}
	for _, c := range p.Deploy {
		args, err := decodeArgs(c.Args)
		if err != nil {
			return domain.ExecutionPlanStep{}, err
		}
		logic, err := decodeOptionalRef(c.Logic)
		if err != nil {
			return domain.ExecutionPlanStep{}, err
		}
		step.Deploy = append(step.Deploy, domain.ComponentDescriptor{Name: c.Name, Artifact: c.Artifact, Args: args, Logic: logic})
	}
	for _, c := range p.Calls {
		target, err := domain.ParseArg(c.Target)
		if err != nil {
			return domain.ExecutionPlanStep{}, err
		}
		args, err := decodeArgs(c.Args)
		if err != nil {
			return domain.ExecutionPlanStep{}, err
		}
		invocation := domain.Invocation{Target: target, Method: c.Method, Args: args, Read: c.Read}
		if c.Expect != nil {
			expect, err := domain.ParseArg(c.Expect)
			if err != nil {
				return domain.ExecutionPlanStep{}, err
			}
			invocation.Expect = &expect
		}
		step.Calls = append(step.Calls, invocation)
	}
	for _, d := range p.Registry {
		logic, err := decodeOptionalRef(d.Logic)
		if err != nil {
			return domain.ExecutionPlanStep{}, err
		}
		step.Registry = append(step.Registry, domain.RegistryDirective{
			Action:    domain.DirectiveAction(d.Action),
			Name:      d.Name,
			Component: d.Component,
			Logic:     logic,
			Version:   d.Version,
		})
	}
	return domain.ExecutionPlanStep{Index: p.Index, Step: step}, nil
}
