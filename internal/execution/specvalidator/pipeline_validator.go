package specvalidator

import (
	"fmt"
	"strings"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

// ValidatePipelineSpec performs structural validation of a PipelineSpec:
// shape, unique step and component names, dependsOn targets, directive
// actions and dependency cycles. References are checked by
// ValidateReferences once an execution order exists.
func ValidatePipelineSpec(spec domain.PipelineSpec) error {
	issues := &ValidationError{}

	if err := spec.ValidateBasicShape(); err != nil {
		issues.Add(err.Error())
	}
	if len(spec.Spec.Steps) == 0 {
		return issues.OrNil()
	}

	position := make(map[string]int, len(spec.Spec.Steps))
	components := make(map[string]string)
	for i, step := range spec.Spec.Steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			continue
		}
		if _, exists := position[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
			continue
		}
		position[name] = i

		for j, desc := range step.Deploy {
			component := strings.TrimSpace(desc.Name)
			if component == "" {
				issues.Add(fmt.Sprintf("step[%s] deploy[%d] name is required", name, j))
				continue
			}
			if owner, exists := components[component]; exists {
				issues.Add(fmt.Sprintf("step[%s] duplicate component name %q (first deployed by step %q)", name, component, owner))
				continue
			}
			components[component] = name
			if desc.Logic != nil && desc.Logic.Kind != domain.ArgComponent && desc.Logic.Kind != domain.ArgRegistry {
				issues.Add(fmt.Sprintf("step[%s] component %q logic must reference a component or registry name", name, component))
			}
		}

		for j, call := range step.Calls {
			if strings.TrimSpace(call.Method) == "" {
				issues.Add(fmt.Sprintf("step[%s] call[%d] method is required", name, j))
			}
			if call.Target.Kind == "" || (call.Target.Kind == domain.ArgLiteral && strings.TrimSpace(fmt.Sprint(call.Target.Value)) == "") {
				issues.Add(fmt.Sprintf("step[%s] call[%d] target is required", name, j))
			}
			if call.Expect != nil && !call.Read {
				issues.Add(fmt.Sprintf("step[%s] call[%d] expect is only valid on reads", name, j))
			}
		}

		for j, directive := range step.Registry {
			if strings.TrimSpace(directive.Name) == "" {
				issues.Add(fmt.Sprintf("step[%s] registry[%d] name is required", name, j))
			}
			switch directive.Action {
			case domain.DirectiveRegister:
				if directive.Version < 0 {
					issues.Add(fmt.Sprintf("step[%s] registry[%d] version must be >= 1", name, j))
				}
			case domain.DirectiveUpgrade:
				if directive.Version != 0 {
					issues.Add(fmt.Sprintf("step[%s] registry[%d] upgrade takes no version", name, j))
				}
			default:
				issues.Add(fmt.Sprintf("step[%s] registry[%d] unknown action %q", name, j, directive.Action))
			}
		}
	}

	ordering := spec.EffectiveOrdering()
	adj := make(map[string][]string, len(position))
	for _, step := range spec.Spec.Steps {
		name := strings.TrimSpace(step.Name)
		for _, dep := range step.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				issues.Add(fmt.Sprintf("step[%s] dependsOn entries must be non-empty", name))
				continue
			}
			if dep == name {
				issues.Add(fmt.Sprintf("step[%s] depends on itself", name))
				continue
			}
			at, ok := position[dep]
			if !ok {
				issues.Add(fmt.Sprintf("step[%s] depends on unknown step %q", name, dep))
				continue
			}
			if ordering == domain.OrderingDeclared && at > position[name] {
				issues.Add(fmt.Sprintf("step[%s] depends on later step %q under declared ordering", name, dep))
				continue
			}
			adj[dep] = append(adj[dep], name)
		}
	}

	if hasCycle(adj, position) {
		issues.Add("dependency graph contains a cycle")
	}

	return issues.OrNil()
}

func hasCycle(adj map[string][]string, nodes map[string]int) bool {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	var visit func(string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adj[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}

	for node := range nodes {
		if state[node] == unvisited {
			if visit(node) {
				return true
			}
		}
	}
	return false
}
