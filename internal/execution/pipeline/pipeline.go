// Package pipeline executes a validated deployment plan step by step against
// a Deployer and records the outcome in the registry.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sbtc/oss-medical-record/internal/domain"
	executor "github.com/sbtc/oss-medical-record/internal/execution/executor"
	"github.com/sbtc/oss-medical-record/internal/execution/plan"
	"github.com/sbtc/oss-medical-record/internal/execution/specvalidator"
	"github.com/sbtc/oss-medical-record/internal/platform/tracing"
	"github.com/sbtc/oss-medical-record/internal/registry"
	"github.com/sbtc/oss-medical-record/internal/repo"
)

// Registry is the subset of registry.Service the pipeline writes through.
type Registry interface {
	Namespace() string
	Apply(ctx context.Context, changes []registry.Change) ([]domain.RegistryEntry, error)
	Resolve(ctx context.Context, name string) (domain.RegistryEntry, error)
}

// Config is the explicit per-run environment. Constants are the selected
// network's literal values, e.g. the address of an external name service.
type Config struct {
	Network   string
	Constants map[string]string
	RunID     string
	Actor     string
}

type Pipeline struct {
	deployer executor.Deployer
	registry Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	steps    repo.StepExecutionRepository
	audit    repo.AuditEventAppender
	now      func() time.Time

	mu      sync.Mutex
	started bool
	status  domain.RunStatus
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithStepRecorder persists one record per step outcome.
func WithStepRecorder(steps repo.StepExecutionRepository) Option {
	return func(p *Pipeline) {
		p.steps = steps
	}
}

// WithAuditor appends one audit event per finished run.
func WithAuditor(audit repo.AuditEventAppender) Option {
	return func(p *Pipeline) {
		p.audit = audit
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func New(deployer executor.Deployer, reg Registry, cfg Config, opts ...Option) (*Pipeline, error) {
	if deployer == nil {
		return nil, errors.New("deployer is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	cfg.RunID = strings.TrimSpace(cfg.RunID)
	if cfg.RunID == "" {
		return nil, errors.New("run id is required")
	}
	cfg.Network = strings.TrimSpace(cfg.Network)
	cfg.Actor = strings.TrimSpace(cfg.Actor)
	if cfg.Actor == "" {
		cfg.Actor = "deployctl"
	}
	cfg.Constants = maps.Clone(cfg.Constants)
	if cfg.Constants == nil {
		cfg.Constants = map[string]string{}
	}

	p := &Pipeline{
		deployer: deployer,
		registry: reg,
		cfg:      cfg,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   tracing.Noop(),
		now:      time.Now,
		status:   domain.RunStatus{State: domain.RunStateNotStarted},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("run_id", cfg.RunID, "namespace", reg.Namespace())
	return p, nil
}

// Status returns the run's current position in its state machine.
func (p *Pipeline) Status() domain.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pipeline) setStatus(state domain.RunState, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = domain.RunStatus{State: state, StepIndex: index}
}

// Validate orders the spec and checks every reference without side effects.
// The returned error matches specvalidator.ErrDanglingReference when any
// reference has no producer.
func (p *Pipeline) Validate(ctx context.Context, spec domain.PipelineSpec) (domain.ExecutionPlan, error) {
	execPlan, err := plan.BuildPlan(spec, plan.PlanInput{
		RunID:     p.cfg.RunID,
		Namespace: p.registry.Namespace(),
		Network:   p.cfg.Network,
	})
	if err != nil {
		return domain.ExecutionPlan{}, err
	}

	steps := make([]domain.PipelineStep, 0, len(execPlan.Steps))
	for _, step := range execPlan.Steps {
		steps = append(steps, step.Step)
	}
	env := specvalidator.Environment{
		Network:   p.cfg.Network,
		Constants: p.cfg.Constants,
		Registry:  registryView{reg: p.registry},
	}
	if err := specvalidator.ValidateReferences(ctx, steps, env); err != nil {
		return domain.ExecutionPlan{}, err
	}
	return execPlan, nil
}

// Run validates the whole spec, then applies its steps strictly in order.
// The first failure aborts the run; mutations from earlier steps are kept.
// Cancelling ctx stops the run before the next step; a deploy or registry
// write already in flight always settles.
func (p *Pipeline) Run(ctx context.Context, spec domain.PipelineSpec) (domain.RunReport, error) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return domain.RunReport{}, ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	report := domain.RunReport{
		RunID:     p.cfg.RunID,
		Namespace: p.registry.Namespace(),
		Network:   p.cfg.Network,
		Status:    domain.RunStateNotStarted,
		StartedAt: p.now().UTC(),
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		tracing.AttrRunID.String(p.cfg.RunID),
		tracing.AttrNamespace.String(report.Namespace),
	))
	defer span.End()

	execPlan, err := p.Validate(ctx, spec)
	if err != nil {
		report.FinishedAt = p.now().UTC()
		span.RecordError(err)
		p.logger.Warn("pipeline validation failed", "error", err)
		return report, err
	}

	report.Steps = make([]domain.StepReport, 0, len(execPlan.Steps))
	for _, step := range execPlan.Steps {
		report.Steps = append(report.Steps, domain.StepReport{
			Index:  step.Index,
			Name:   step.Step.Name,
			Status: domain.StepStateNotAttempted,
		})
	}

	run := &runState{
		handles: map[string]domain.DeployedHandle{},
		entries: map[string]domain.RegistryEntry{},
	}

	for i, step := range execPlan.Steps {
		if err := ctx.Err(); err != nil {
			stepErr := &StepError{Index: step.Index, Step: step.Step.Name, Err: err}
			return p.abort(ctx, span, &report, stepErr), stepErr
		}

		p.setStatus(domain.RunStateRunning, step.Index)
		report.Status = domain.RunStateRunning

		startedAt := p.now().UTC()
		stepReport, stepErr := p.runStep(ctx, step, run)
		report.Steps[i] = stepReport

		if recErr := p.recordStep(ctx, startedAt, stepReport); recErr != nil {
			if stepErr == nil {
				stepErr = &StepError{Index: step.Index, Step: step.Step.Name, Err: recErr}
			} else {
				p.logger.Error("step outcome not recorded", "step", step.Step.Name, "error", recErr)
				stepErr.Err = errors.Join(stepErr.Err, recErr)
			}
		}
		if stepErr != nil {
			return p.abort(ctx, span, &report, stepErr), stepErr
		}
	}

	report.Status = domain.RunStateSucceeded
	report.FinishedAt = p.now().UTC()
	p.setStatus(domain.RunStateSucceeded, 0)
	p.logger.Info("pipeline run succeeded", "steps", len(execPlan.Steps))
	p.auditRun(ctx, report)
	return report, nil
}

func (p *Pipeline) abort(ctx context.Context, span trace.Span, report *domain.RunReport, stepErr *StepError) domain.RunReport {
	report.Status = domain.RunStateAborted
	report.FinishedAt = p.now().UTC()
	report.Abort = &domain.AbortReport{
		StepIndex: stepErr.Index,
		StepName:  stepErr.Step,
		Component: stepErr.Component,
		Cause:     executor.Cause(stepErr.Err),
	}
	p.setStatus(domain.RunStateAborted, stepErr.Index)
	span.RecordError(stepErr)
	p.logger.Error("run aborted",
		"step", stepErr.Step,
		"step_index", stepErr.Index,
		"component", stepErr.Component,
		"error", stepErr.Err,
	)
	p.auditRun(ctx, *report)
	return *report
}

// auditRun records the outcome of a finished run. The run has already
// settled, so a failed append is only logged.
func (p *Pipeline) auditRun(ctx context.Context, report domain.RunReport) {
	if p.audit == nil {
		return
	}
	action := domain.AuditActionRunSucceeded
	payload := domain.Metadata{
		"network": report.Network,
		"steps":   len(report.Steps),
	}
	if report.Abort != nil {
		action = domain.AuditActionRunAborted
		payload["step_index"] = report.Abort.StepIndex
		payload["step"] = report.Abort.StepName
		payload["cause"] = report.Abort.Cause
	}
	event := domain.AuditEvent{
		OccurredAt:   report.FinishedAt,
		Actor:        p.cfg.Actor,
		Action:       action,
		ResourceType: domain.AuditResourcePipelineRun,
		ResourceID:   report.Namespace + "/" + report.RunID,
		Payload:      payload,
	}
	if _, err := p.audit.Append(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("run audit not recorded", "error", err)
	}
}

// registryView adapts the registry to the validator's read-only lookups.
type registryView struct {
	reg Registry
}

func (v registryView) Lookup(ctx context.Context, name string) (domain.RegistryEntry, bool, error) {
	entry, err := v.reg.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownComponent) {
			return domain.RegistryEntry{}, false, nil
		}
		return domain.RegistryEntry{}, false, err
	}
	return entry, true, nil
}

var _ specvalidator.RegistryView = registryView{}
