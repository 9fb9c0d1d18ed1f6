package domain

// ExecutionPlan is the validated, totally ordered form of a PipelineSpec.
type ExecutionPlan struct {
	RunID     string
	Namespace string
	Network   string
	Ordering  Ordering
	Steps     []ExecutionPlanStep
	Edges     []ExecutionPlanEdge
}

// ExecutionPlanStep carries its 1-based position in execution order.
type ExecutionPlanStep struct {
	Index int
	Step  PipelineStep
}

type ExecutionPlanEdge struct {
	From string
	To   string
}

func (p ExecutionPlan) StepNames() []string {
	out := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, step.Step.Name)
	}
	return out
}
