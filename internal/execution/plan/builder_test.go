package plan

import (
	"errors"
	"reflect"
	"testing"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/execution/specvalidator"
)

func TestBuildPlanDeclaredOrderingKeepsManifestOrder(t *testing.T) {
	spec := proxySpec(domain.OrderingDeclared)

	plan, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "development", Network: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"logic", "proxy", "register"}; !reflect.DeepEqual(plan.StepNames(), want) {
		t.Fatalf("expected order %v, got %v", want, plan.StepNames())
	}
	for i, step := range plan.Steps {
		if step.Index != i+1 {
			t.Fatalf("expected index %d, got %d", i+1, step.Index)
		}
	}
	if plan.Ordering != domain.OrderingDeclared {
		t.Fatalf("expected declared ordering, got %q", plan.Ordering)
	}
	wantEdges := []domain.ExecutionPlanEdge{
		{From: "logic", To: "proxy"},
		{From: "proxy", To: "register"},
	}
	if !reflect.DeepEqual(plan.Edges, wantEdges) {
		t.Fatalf("expected edges %v, got %v", wantEdges, plan.Edges)
	}
}

func TestBuildPlanDependencyOrderingSortsByReferences(t *testing.T) {
	spec := proxySpec(domain.OrderingDependencies)
	steps := spec.Spec.Steps
	spec.Spec.Steps = []domain.PipelineStep{steps[2], steps[1], steps[0]}

	first, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.StepNames(), second.StepNames()) {
		t.Fatalf("expected deterministic order, got %v vs %v", first.StepNames(), second.StepNames())
	}
	if want := []string{"logic", "proxy", "register"}; !reflect.DeepEqual(first.StepNames(), want) {
		t.Fatalf("expected order %v, got %v", want, first.StepNames())
	}
}

func TestBuildPlanDependencyOrderingBreaksTiesByDeclaredPosition(t *testing.T) {
	spec := domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
		Spec: domain.PipelineSpecBody{
			Ordering: domain.OrderingDependencies,
			Steps: []domain.PipelineStep{
				deployStep("step-b", "B"),
				deployStep("step-a", "A"),
				{
					Name:      "step-c",
					DependsOn: []string{"step-a", "step-b"},
					Deploy:    []domain.ComponentDescriptor{{Name: "C"}},
				},
				deployStep("step-d", "D"),
			},
		},
	}

	plan, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "ns"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"step-b", "step-a", "step-c", "step-d"}; !reflect.DeepEqual(plan.StepNames(), want) {
		t.Fatalf("expected order %v, got %v", want, plan.StepNames())
	}
}

func TestBuildPlanRegistryReferenceDependsOnRegisteringStep(t *testing.T) {
	spec := domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
		Spec: domain.PipelineSpecBody{
			Ordering: domain.OrderingDependencies,
			Steps: []domain.PipelineStep{
				{
					Name: "organizations",
					Deploy: []domain.ComponentDescriptor{{
						Name: "Organizations",
						Args: []domain.Arg{domain.RegistryRef("ProxyController")},
					}},
				},
				{
					Name:     "proxy",
					Deploy:   []domain.ComponentDescriptor{{Name: "ProxyController"}},
					Registry: []domain.RegistryDirective{{Action: domain.DirectiveRegister, Name: "ProxyController"}},
				},
			},
		},
	}

	plan, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "ns"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"proxy", "organizations"}; !reflect.DeepEqual(plan.StepNames(), want) {
		t.Fatalf("expected order %v, got %v", want, plan.StepNames())
	}
}

func TestBuildPlanRejectsImplicitCycle(t *testing.T) {
	spec := domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
		Spec: domain.PipelineSpecBody{
			Ordering: domain.OrderingDependencies,
			Steps: []domain.PipelineStep{
				{Name: "a", Deploy: []domain.ComponentDescriptor{{Name: "A", Args: []domain.Arg{domain.ComponentRef("B")}}}},
				{Name: "b", Deploy: []domain.ComponentDescriptor{{Name: "B", Args: []domain.Arg{domain.ComponentRef("A")}}}},
			},
		},
	}

	_, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "ns"})
	var validation *specvalidator.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if errors.Is(err, specvalidator.ErrDanglingReference) {
		t.Fatalf("cycle must not be reported as dangling")
	}
}

func TestBuildPlanRequiresRunAndNamespace(t *testing.T) {
	spec := proxySpec(domain.OrderingDeclared)
	if _, err := BuildPlan(spec, PlanInput{Namespace: "ns"}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
	if _, err := BuildPlan(spec, PlanInput{RunID: "run-1"}); err == nil {
		t.Fatalf("expected error for missing namespace")
	}
}

func TestBuildPlanPropagatesStructuralErrors(t *testing.T) {
	spec := proxySpec(domain.OrderingDeclared)
	spec.Spec.Steps = append(spec.Spec.Steps, spec.Spec.Steps[0])

	_, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "ns"})
	var validation *specvalidator.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExecutionPlanCodecRoundTrip(t *testing.T) {
	owner := domain.Literal("0xabc")
	impl := domain.ComponentRef("ProxyControllerLogic_v1")
	spec := proxySpec(domain.OrderingDeclared)
	spec.Spec.Steps[1].Calls = []domain.Invocation{
		{Target: domain.ComponentRef("ProxyController"), Method: "initialize", Args: []domain.Arg{domain.Literal("${not-a-ref}"), domain.NetworkRef("gmoCns")}},
		{Target: domain.ComponentRef("ProxyController"), Method: "owner", Read: true, Expect: &owner},
		{Target: domain.ComponentRef("ProxyController"), Method: "implementation", Read: true, Expect: &impl},
	}

	plan, err := BuildPlan(spec, PlanInput{RunID: "run-1", Namespace: "development", Network: "development"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw, err := MarshalExecutionPlan(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded, err := UnmarshalExecutionPlan(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, plan) {
		t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", plan, decoded)
	}
}

func TestUnmarshalExecutionPlanRejectsBadReference(t *testing.T) {
	raw := []byte(`{"runId":"r","namespace":"n","ordering":"declared","steps":[{"index":1,"name":"s","deploy":[{"name":"A","args":["${bogus.X}"]}]}],"edges":[]}`)
	if _, err := UnmarshalExecutionPlan(raw); !errors.Is(err, domain.ErrInvalidReference) {
		t.Fatalf("expected invalid reference, got %v", err)
	}
}

func proxySpec(ordering domain.Ordering) domain.PipelineSpec {
	logic := domain.ComponentRef("ProxyControllerLogic_v1")
	return domain.PipelineSpec{
		APIVersion: domain.PipelineAPIVersion,
		Kind:       domain.PipelineKind,
		Metadata:   domain.PipelineMetadata{Name: "proxy"},
		Spec: domain.PipelineSpecBody{
			Ordering: ordering,
			Steps: []domain.PipelineStep{
				deployStep("logic", "ProxyControllerLogic_v1"),
				{
					Name: "proxy",
					Deploy: []domain.ComponentDescriptor{{
						Name:  "ProxyController",
						Args:  []domain.Arg{domain.NetworkRef("gmoCns"), logic},
						Logic: &logic,
					}},
				},
				{
					Name:     "register",
					Registry: []domain.RegistryDirective{{Action: domain.DirectiveRegister, Name: "ProxyController"}},
				},
			},
		},
	}
}

func deployStep(name, component string) domain.PipelineStep {
	return domain.PipelineStep{Name: name, Deploy: []domain.ComponentDescriptor{{Name: component}}}
}
