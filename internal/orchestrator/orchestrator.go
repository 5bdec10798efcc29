// Package orchestrator executes plans. Steps run in plan order; a step
// whose dependencies did not complete is skipped, a failing step is
// retried according to its error kind, and a failing critical step aborts
// the rest of the plan. Step outputs and artifacts are aggregated into a
// single result.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/planner"
	"github.com/evoagent/evoagent/internal/tracing"
)

// Step outcome states.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// criticalMarkers flag steps whose failure invalidates everything after
// them. The first step of a plan is always critical.
var criticalMarkers = []string{"init", "setup", "bootstrap", "configure", "install"}

// Config tunes plan execution.
type Config struct {
	// StepTimeout bounds a single executor attempt. Zero disables the bound.
	StepTimeout time.Duration
	// MaxRetries caps retries per step for fully retryable error kinds.
	MaxRetries int
	// RetryDelay is the base backoff between attempts; the error kind
	// scales it.
	RetryDelay time.Duration
}

// DefaultConfig mirrors the configuration file defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout: 5 * time.Minute,
		MaxRetries:  3,
		RetryDelay:  time.Second,
	}
}

// Artifacts collects the concrete outputs steps report.
type Artifacts struct {
	Files       []string `json:"files,omitempty"`
	Directories []string `json:"directories,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Tests       []string `json:"tests,omitempty"`
	Reviews     []string `json:"reviews,omitempty"`
}

func (a *Artifacts) merge(other Artifacts) {
	a.Files = appendUnique(a.Files, other.Files)
	a.Directories = appendUnique(a.Directories, other.Directories)
	a.Commands = appendUnique(a.Commands, other.Commands)
	a.Tests = appendUnique(a.Tests, other.Tests)
	a.Reviews = appendUnique(a.Reviews, other.Reviews)
}

// Empty reports whether no artifact of any kind was recorded.
func (a Artifacts) Empty() bool {
	return len(a.Files) == 0 && len(a.Directories) == 0 &&
		len(a.Commands) == 0 && len(a.Tests) == 0 && len(a.Reviews) == 0
}

// StepOutput is what an executor returns for one step.
type StepOutput struct {
	Output    string
	Artifacts Artifacts
}

// StepExecutor runs a single plan step. Implementations must honor the
// context; the orchestrator uses it for the per-step timeout and for
// cancellation.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, plan *planner.Plan, step planner.Step) (*StepOutput, error)
}

// StepExecutorFunc adapts a function to the StepExecutor interface.
type StepExecutorFunc func(ctx context.Context, plan *planner.Plan, step planner.Step) (*StepOutput, error)

func (f StepExecutorFunc) ExecuteStep(ctx context.Context, plan *planner.Plan, step planner.Step) (*StepOutput, error) {
	return f(ctx, plan, step)
}

// StepResult records how one step ended.
type StepResult struct {
	StepID     string        `json:"stepId"`
	AgentKind  string        `json:"agentKind"`
	Status     string        `json:"status"`
	Output     string        `json:"output,omitempty"`
	Artifacts  Artifacts     `json:"artifacts,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retryCount"`
	Duration   time.Duration `json:"duration"`
}

// Result is the aggregate outcome of a plan execution.
type Result struct {
	PlanID           string        `json:"planId"`
	TaskID           string        `json:"taskId"`
	Success          bool          `json:"success"`
	CompletedSteps   int           `json:"completedSteps"`
	TotalSteps       int           `json:"totalSteps"`
	StepResults      []StepResult  `json:"stepResults"`
	AggregatedOutput string        `json:"aggregatedOutput,omitempty"`
	Artifacts        Artifacts     `json:"artifacts,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Orchestrator drives plans through a step executor.
type Orchestrator struct {
	cfg      Config
	executor StepExecutor
	events   eventbus.EventBus
	logger   *logger.Logger

	now func() time.Time
}

// New creates an orchestrator. The events bus is optional.
func New(cfg Config, executor StepExecutor, bus eventbus.EventBus, log *logger.Logger) (*Orchestrator, error) {
	if executor == nil {
		return nil, errs.E(errs.KindValidation, "orchestrator.new", "step executor is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errs.E(errs.KindValidation, "orchestrator.new", "maxRetries must not be negative")
	}
	return &Orchestrator{
		cfg:      cfg,
		executor: executor,
		events:   bus,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		now:      time.Now,
	}, nil
}

// Execute runs every step of the plan and aggregates the outcome. The
// returned result is complete even when steps failed; only a malformed
// plan yields an error.
func (o *Orchestrator) Execute(ctx context.Context, plan *planner.Plan) (*Result, error) {
	if plan == nil {
		return nil, errs.E(errs.KindValidation, "orchestrator.execute", "plan is required")
	}
	if err := planner.ValidateSteps(plan.Steps); err != nil {
		return nil, err
	}

	start := o.now()
	result := &Result{
		PlanID:     plan.ID,
		TaskID:     plan.TaskID,
		TotalSteps: len(plan.Steps),
	}
	statuses := make(map[string]string, len(plan.Steps))
	aborted := false
	var outputs []string

	o.logger.Info("plan execution started",
		zap.String("plan_id", plan.ID),
		zap.String("task_id", plan.TaskID),
		zap.Int("steps", len(plan.Steps)))

	for i, step := range plan.Steps {
		var sr StepResult
		switch {
		case aborted:
			sr = o.skip(step, "plan aborted by an earlier critical failure")
		case ctx.Err() != nil:
			sr = o.skip(step, "execution cancelled")
		default:
			if blockedBy := o.unmetDependency(step, statuses); blockedBy != "" {
				sr = o.skip(step, blockedBy)
			} else {
				sr = o.runStep(ctx, plan, step)
			}
		}

		statuses[step.ID] = sr.Status
		result.StepResults = append(result.StepResults, sr)

		switch sr.Status {
		case StepCompleted:
			result.CompletedSteps++
			if sr.Output != "" {
				outputs = append(outputs, fmt.Sprintf("[%s] %s", step.ID, sr.Output))
			}
			result.Artifacts.merge(sr.Artifacts)
		case StepFailed:
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: %s", step.ID, sr.Error))
			if o.critical(i, step) {
				aborted = true
				o.logger.Warn("critical step failed, aborting plan",
					zap.String("plan_id", plan.ID),
					zap.String("step_id", step.ID))
			}
		case StepSkipped:
			result.Errors = append(result.Errors, fmt.Sprintf("step %s skipped: %s", step.ID, sr.Error))
		}

		o.publishProgress(ctx, plan, sr, result)
	}

	if ctx.Err() != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	}
	result.Success = result.CompletedSteps == result.TotalSteps
	result.AggregatedOutput = strings.Join(outputs, "\n\n")
	result.Duration = o.now().Sub(start)

	o.logger.Info("plan execution finished",
		zap.String("plan_id", plan.ID),
		zap.Bool("success", result.Success),
		zap.Int("completed", result.CompletedSteps),
		zap.Int("total", result.TotalSteps),
		zap.Duration("took", result.Duration))
	return result, nil
}

// runStep executes one step with retry. The error kind decides whether a
// failure is retried at all, how often, and how the base delay scales.
func (o *Orchestrator) runStep(ctx context.Context, plan *planner.Plan, step planner.Step) StepResult {
	sr := StepResult{StepID: step.ID, AgentKind: step.AgentKind}
	started := o.now()

	ctx, span := tracing.TraceStep(ctx, plan.ID, step.ID, step.AgentKind)
	defer span.End()

	for {
		out, err := o.attempt(ctx, plan, step)
		if err == nil {
			sr.Status = StepCompleted
			if out != nil {
				sr.Output = out.Output
				sr.Artifacts = out.Artifacts
			}
			break
		}

		kind := errs.Classify(err)
		budget := errs.RetryBudget(kind, o.cfg.MaxRetries)
		if sr.RetryCount >= budget || ctx.Err() != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			break
		}

		sr.RetryCount++
		delay := o.cfg.RetryDelay * time.Duration(errs.BackoffFactor(kind))
		o.logger.Warn("step failed, retrying",
			zap.String("plan_id", plan.ID),
			zap.String("step_id", step.ID),
			zap.String("kind", string(kind)),
			zap.Int("retry", sr.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			sr.Status = StepFailed
			sr.Error = err.Error()
			break
		}
	}

	sr.Duration = o.now().Sub(started)
	tracing.TraceStepResult(span, sr.Status, sr.RetryCount, sr.Error)
	return sr
}

// attempt runs the executor once under the per-step timeout, converting
// panics into internal errors.
func (o *Orchestrator) attempt(ctx context.Context, plan *planner.Plan, step planner.Step) (out *StepOutput, err error) {
	if o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errs.E(errs.KindInternal, "orchestrator.step", "step executor panicked: %v", r)
		}
	}()
	return o.executor.ExecuteStep(ctx, plan, step)
}

// unmetDependency returns a skip reason when a dependency did not
// complete, or "" when the step may run.
func (o *Orchestrator) unmetDependency(step planner.Step, statuses map[string]string) string {
	for _, dep := range step.Dependencies {
		if statuses[dep] != StepCompleted {
			return fmt.Sprintf("dependency %s %s", dep, statuses[dep])
		}
	}
	return ""
}

func (o *Orchestrator) skip(step planner.Step, reason string) StepResult {
	o.logger.Debug("step skipped",
		zap.String("step_id", step.ID),
		zap.String("reason", reason))
	return StepResult{
		StepID:    step.ID,
		AgentKind: step.AgentKind,
		Status:    StepSkipped,
		Error:     reason,
	}
}

// critical reports whether a failure of this step invalidates the rest of
// the plan.
func (o *Orchestrator) critical(index int, step planner.Step) bool {
	if index == 0 {
		return true
	}
	desc := strings.ToLower(step.Description)
	for _, marker := range criticalMarkers {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}

// publishProgress emits one progress event per finished step so the
// gateway can stream plan execution to clients.
func (o *Orchestrator) publishProgress(ctx context.Context, plan *planner.Plan, sr StepResult, result *Result) {
	if o.events == nil || plan.TaskID == "" {
		return
	}
	data := map[string]any{
		"plan_id":    plan.ID,
		"step_id":    sr.StepID,
		"agent_kind": sr.AgentKind,
		"status":     sr.Status,
		"completed":  result.CompletedSteps,
		"total":      result.TotalSteps,
	}
	if sr.Error != "" {
		data["error"] = sr.Error
	}
	subject := events.BuildTaskSubject(events.TaskProgress, plan.TaskID)
	event := eventbus.NewEvent(events.TaskProgress, "orchestrator", data)
	if err := o.events.Publish(ctx, subject, event); err != nil {
		o.logger.Warn("progress publish failed", zap.String("task_id", plan.TaskID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func appendUnique(dst, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
