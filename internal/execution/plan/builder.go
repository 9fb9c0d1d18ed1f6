package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sbtc/oss-medical-record/internal/domain"
	"github.com/sbtc/oss-medical-record/internal/execution/specvalidator"
)

// PlanInput identifies the run a plan is built for.
type PlanInput struct {
	RunID     string
	Namespace string
	Network   string
}

// BuildPlan validates the spec's structure and orders its steps. Under
// declared ordering the plan follows the manifest exactly. Under dependency
// ordering steps are sorted topologically over explicit dependsOn edges and
// the edges implied by references, with ties broken by declared position.
func BuildPlan(spec domain.PipelineSpec, in PlanInput) (domain.ExecutionPlan, error) {
	runID := strings.TrimSpace(in.RunID)
	namespace := strings.TrimSpace(in.Namespace)
	if runID == "" {
		return domain.ExecutionPlan{}, fmt.Errorf("run id is required")
	}
	if namespace == "" {
		return domain.ExecutionPlan{}, fmt.Errorf("namespace is required")
	}

	if err := specvalidator.ValidatePipelineSpec(spec); err != nil {
		return domain.ExecutionPlan{}, err
	}

	edges := collectEdges(spec.Spec.Steps)
	ordering := spec.EffectiveOrdering()

	ordered := spec.Spec.Steps
	if ordering == domain.OrderingDependencies {
		var err error
		ordered, err = topoSortSteps(spec.Spec.Steps, edges)
		if err != nil {
			return domain.ExecutionPlan{}, err
		}
	}

	steps := make([]domain.ExecutionPlanStep, 0, len(ordered))
	for i, step := range ordered {
		steps = append(steps, domain.ExecutionPlanStep{Index: i + 1, Step: step})
	}

	return domain.ExecutionPlan{
		RunID:     runID,
		Namespace: namespace,
		Network:   strings.TrimSpace(in.Network),
		Ordering:  ordering,
		Steps:     steps,
		Edges:     edges,
	}, nil
}

// collectEdges returns explicit dependsOn edges plus one edge per step that
// produces something a later-needed reference consumes. Edges are unique and
// sorted by the declared positions of (To, From).
func collectEdges(steps []domain.PipelineStep) []domain.ExecutionPlanEdge {
	position := make(map[string]int, len(steps))
	producer := map[string]string{}
	mutators := map[string][]int{}
	for i, step := range steps {
		position[step.Name] = i
		for _, desc := range step.Deploy {
			producer[strings.TrimSpace(desc.Name)] = step.Name
		}
		for _, directive := range step.Registry {
			name := strings.TrimSpace(directive.Name)
			mutators[name] = append(mutators[name], i)
		}
	}

	seen := map[domain.ExecutionPlanEdge]struct{}{}
	edges := make([]domain.ExecutionPlanEdge, 0)
	add := func(from, to string) {
		if from == "" || from == to {
			return
		}
		edge := domain.ExecutionPlanEdge{From: from, To: to}
		if _, ok := seen[edge]; ok {
			return
		}
		seen[edge] = struct{}{}
		edges = append(edges, edge)
	}

	// A registry name depends on every earlier mutator; when none precede the
	// consumer, on the step that first registers it.
	registryProducers := func(name string, at int) []string {
		out := make([]string, 0)
		for _, i := range mutators[name] {
			if i < at {
				out = append(out, steps[i].Name)
			}
		}
		if len(out) > 0 {
			return out
		}
		for _, i := range mutators[name] {
			for _, directive := range steps[i].Registry {
				if strings.TrimSpace(directive.Name) == name && directive.Action == domain.DirectiveRegister && i != at {
					return []string{steps[i].Name}
				}
			}
		}
		return out
	}

	addArg := func(arg domain.Arg, to string, at int) {
		switch arg.Kind {
		case domain.ArgComponent:
			add(producer[arg.Ref], to)
		case domain.ArgRegistry:
			for _, from := range registryProducers(arg.Ref, at) {
				add(from, to)
			}
		}
	}

	for i, step := range steps {
		for _, dep := range step.DependsOn {
			add(strings.TrimSpace(dep), step.Name)
		}
		for _, desc := range step.Deploy {
			for _, ref := range desc.References() {
				addArg(ref, step.Name, i)
			}
		}
		for _, call := range step.Calls {
			addArg(call.Target, step.Name, i)
			for _, arg := range call.Args {
				addArg(arg, step.Name, i)
			}
			if call.Expect != nil {
				addArg(*call.Expect, step.Name, i)
			}
		}
		for _, directive := range step.Registry {
			add(producer[directive.ComponentName()], step.Name)
			if directive.Logic != nil {
				addArg(*directive.Logic, step.Name, i)
			}
			if directive.Action == domain.DirectiveUpgrade {
				for _, from := range registryProducers(strings.TrimSpace(directive.Name), i) {
					add(from, step.Name)
				}
			}
		}
	}

	sort.SliceStable(edges, func(a, b int) bool {
		if position[edges[a].To] != position[edges[b].To] {
			return position[edges[a].To] < position[edges[b].To]
		}
		return position[edges[a].From] < position[edges[b].From]
	})
	return edges
}

// topoSortSteps is Kahn's algorithm with the ready set ordered by declared
// position, so independent steps keep their manifest order.
func topoSortSteps(steps []domain.PipelineStep, edges []domain.ExecutionPlanEdge) ([]domain.PipelineStep, error) {
	position := make(map[string]int, len(steps))
	for i, step := range steps {
		position[step.Name] = i
	}

	inDegree := make([]int, len(steps))
	adj := make([][]int, len(steps))
	for _, edge := range edges {
		from, okFrom := position[edge.From]
		to, okTo := position[edge.To]
		if !okFrom || !okTo {
			continue
		}
		adj[from] = append(adj[from], to)
		inDegree[to]++
	}

	ready := make([]int, 0, len(steps))
	for i, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]domain.PipelineStep, 0, len(steps))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, steps[next])
		for _, neighbor := range adj[next] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
			}
		}
	}

	if len(ordered) != len(steps) {
		stuck := make([]string, 0)
		for i, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, steps[i].Name)
			}
		}
		issues := &specvalidator.ValidationError{}
		issues.Add(fmt.Sprintf("dependency graph contains a cycle through steps %s", strings.Join(stuck, ", ")))
		return nil, issues
	}
	return ordered, nil
}
