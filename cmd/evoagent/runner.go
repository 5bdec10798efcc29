package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/common/stringutil"
	"github.com/evoagent/evoagent/internal/gateway"
	"github.com/evoagent/evoagent/internal/orchestrator"
	"github.com/evoagent/evoagent/internal/planner"
)

// pipeline is the execution path behind the gateway: plan the requirement,
// then drive the plan through the orchestrator. A plan that does not
// complete every step counts as a failed run.
type pipeline struct {
	planner *planner.Planner
	orch    *orchestrator.Orchestrator
	logger  *logger.Logger
}

func newPipeline(p *planner.Planner, o *orchestrator.Orchestrator, log *logger.Logger) *pipeline {
	return &pipeline{
		planner: p,
		orch:    o,
		logger:  log.WithFields(zap.String("component", "pipeline")),
	}
}

func (p *pipeline) Run(ctx context.Context, req gateway.RunRequest) (*gateway.RunResult, error) {
	p.logger.Info("run started",
		zap.String("task_id", req.TaskID),
		zap.String("session_id", req.SessionID),
		zap.String("input", stringutil.Ellipsize(req.Input, 120)))

	if req.Workspace != "" {
		p.logger.Info("workspace requested",
			zap.String("task_id", req.TaskID),
			zap.String("workspace", req.Workspace))
	}

	plan, err := p.planner.Plan(ctx, req.TaskID, req.Input)
	if err != nil {
		return nil, err
	}

	res, err := p.orch.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !res.Success {
		return nil, errs.E(errs.KindInternal, "pipeline.run",
			"plan %s completed %d of %d steps: %s",
			res.PlanID, res.CompletedSteps, res.TotalSteps, strings.Join(res.Errors, "; "))
	}

	return &gateway.RunResult{
		Result:    resultSummary(res),
		Artifacts: artifactsMap(res.Artifacts),
	}, nil
}

func resultSummary(res *orchestrator.Result) map[string]any {
	out := map[string]any{
		"planId":         res.PlanID,
		"taskId":         res.TaskID,
		"success":        res.Success,
		"completedSteps": res.CompletedSteps,
		"totalSteps":     res.TotalSteps,
		"durationMs":     res.Duration.Milliseconds(),
	}
	if res.AggregatedOutput != "" {
		out["output"] = res.AggregatedOutput
	}
	if len(res.Errors) > 0 {
		out["errors"] = res.Errors
	}
	return out
}

func artifactsMap(a orchestrator.Artifacts) map[string]any {
	if a.Empty() {
		return nil
	}
	out := make(map[string]any)
	if len(a.Files) > 0 {
		out["files"] = a.Files
	}
	if len(a.Directories) > 0 {
		out["directories"] = a.Directories
	}
	if len(a.Commands) > 0 {
		out["commands"] = a.Commands
	}
	if len(a.Tests) > 0 {
		out["tests"] = a.Tests
	}
	if len(a.Reviews) > 0 {
		out["reviews"] = a.Reviews
	}
	return out
}
