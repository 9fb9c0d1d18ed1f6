package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	PipelineAPIVersion = "deployctl/v1"
	PipelineKind       = "Pipeline"
)

// Ordering selects how the step list is turned into an execution order.
type Ordering string

const (
	// OrderingDeclared executes steps exactly as listed.
	OrderingDeclared Ordering = "declared"
	// OrderingDependencies sorts steps topologically over explicit and
	// implicit dependencies, keeping declared order between independent steps.
	OrderingDependencies Ordering = "dependencies"
)

// DirectiveAction is a registry mutation declared by a step.
type DirectiveAction string

const (
	DirectiveRegister DirectiveAction = "register"
	DirectiveUpgrade  DirectiveAction = "upgrade"
)

// PipelineSpec is a statically declared deployment pipeline.
type PipelineSpec struct {
	APIVersion string
	Kind       string
	Metadata   PipelineMetadata
	Spec       PipelineSpecBody
}

type PipelineMetadata struct {
	Name        string
	Description string
	Labels      map[string]string
}

type PipelineSpecBody struct {
	Ordering Ordering
	Steps    []PipelineStep
}

// PipelineStep bundles deployments, post-deploy invocations and the registry
// mutations that depend on their outcome.
type PipelineStep struct {
	Name      string
	DependsOn []string
	Deploy    []ComponentDescriptor
	Calls     []Invocation
	Registry  []RegistryDirective
}

// Invocation is a post-deploy method call on a deployed component. Read
// invocations do not mutate state; when Expect is set the result must match
// its resolved value.
type Invocation struct {
	Target Arg
	Method string
	Args   []Arg
	Read   bool
	Expect *Arg
}

// RegistryDirective registers or upgrades a registry name with the address
// of a component deployed in this or an earlier step.
type RegistryDirective struct {
	Action    DirectiveAction
	Name      string
	Component string
	Logic     *Arg
	Version   int
}

// ComponentName returns the component whose address is recorded.
func (d RegistryDirective) ComponentName() string {
	if strings.TrimSpace(d.Component) != "" {
		return strings.TrimSpace(d.Component)
	}
	return strings.TrimSpace(d.Name)
}

// EffectiveOrdering defaults an empty ordering to OrderingDeclared.
func (p PipelineSpec) EffectiveOrdering() Ordering {
	if p.Spec.Ordering == "" {
		return OrderingDeclared
	}
	return p.Spec.Ordering
}

// StepNameSet returns the set of step names declared in the spec.
func (p PipelineSpec) StepNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(p.Spec.Steps))
	for _, step := range p.Spec.Steps {
		if strings.TrimSpace(step.Name) == "" {
			continue
		}
		names[step.Name] = struct{}{}
	}
	return names
}

// ValidateBasicShape performs lightweight structural checks without
// reference resolution.
func (p PipelineSpec) ValidateBasicShape() error {
	if strings.TrimSpace(p.APIVersion) == "" {
		return errors.New("apiVersion is required")
	}
	if p.APIVersion != PipelineAPIVersion {
		return fmt.Errorf("unsupported apiVersion %q", p.APIVersion)
	}
	if strings.TrimSpace(p.Kind) == "" {
		return errors.New("kind is required")
	}
	if p.Kind != PipelineKind {
		return fmt.Errorf("unsupported kind %q", p.Kind)
	}
	switch p.EffectiveOrdering() {
	case OrderingDeclared, OrderingDependencies:
	default:
		return fmt.Errorf("unsupported ordering %q", p.Spec.Ordering)
	}
	if len(p.Spec.Steps) == 0 {
		return errors.New("steps must contain at least one step")
	}
	for i, step := range p.Spec.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step[%d] name is required", i)
		}
		if len(step.Deploy) == 0 && len(step.Calls) == 0 && len(step.Registry) == 0 {
			return fmt.Errorf("step[%s] declares no deployments, calls or registry directives", step.Name)
		}
	}
	return nil
}
