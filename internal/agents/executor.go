package agents

import (
	"context"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/orchestrator"
	"github.com/evoagent/evoagent/internal/planner"
	"github.com/evoagent/evoagent/internal/skills"
)

// SessionRecorder receives one record per finished agent run, keyed to the
// session the work belongs to.
type SessionRecorder interface {
	Append(sessionID string, ev sessionlog.Event) error
}

// Executor dispatches plan steps to specialists by agent kind. It
// implements the orchestrator's step executor contract.
type Executor struct {
	agents   map[string]*Agent
	fallback *Agent
	sessions SessionRecorder
	logger   *logger.Logger
}

// NewExecutor builds the default specialist set (planner, codewriter,
// reviewer, tester, integrator) plus a general fallback, all sharing one
// provider and bus. Sessions and sandbox are optional.
func NewExecutor(provider llm.Provider, bus eventbus.EventBus, sandbox skills.Executor, sessions SessionRecorder, log *logger.Logger) (*Executor, error) {
	e := &Executor{
		agents:   make(map[string]*Agent),
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "agent_executor")),
	}
	kinds := []string{
		planner.KindPlanner,
		planner.KindCodewriter,
		planner.KindReviewer,
		planner.KindTester,
		planner.KindIntegrator,
	}
	for _, kind := range kinds {
		agent, err := NewAgent(kind, provider, bus, sandbox, log)
		if err != nil {
			return nil, err
		}
		e.agents[kind] = agent
	}
	general, err := NewAgent(planner.CapGeneral, provider, bus, sandbox, log)
	if err != nil {
		return nil, err
	}
	e.fallback = general
	return e, nil
}

// Register adds or replaces the agent for a kind.
func (e *Executor) Register(agent *Agent) {
	e.agents[agent.Kind()] = agent
}

// Agent returns the specialist for a kind, or the fallback when the kind
// is unknown.
func (e *Executor) Agent(kind string) *Agent {
	if a, ok := e.agents[kind]; ok {
		return a
	}
	return e.fallback
}

// ExecuteStep runs one plan step on the matching specialist and records
// the run in the bound session, when the context carries one.
func (e *Executor) ExecuteStep(ctx context.Context, plan *planner.Plan, step planner.Step) (*orchestrator.StepOutput, error) {
	agent := e.Agent(step.AgentKind)
	if agent == nil {
		return nil, errs.E(errs.KindNotFound, "agents.executeStep",
			"no agent registered for kind %q", step.AgentKind)
	}

	options := map[string]any{
		"task_id": plan.TaskID,
		"plan_id": plan.ID,
		"step_id": step.ID,
	}
	if len(step.RequiredTools) > 0 {
		options["required_tools"] = step.RequiredTools
	}

	out, err := agent.Run(ctx, "", step.Description, options)
	e.recordRun(ctx, plan, step, agent.Kind(), out, err)
	if err != nil {
		return nil, err
	}
	return &orchestrator.StepOutput{
		Output:    out.Output,
		Artifacts: out.Artifacts,
	}, nil
}

// recordRun appends an agent.run.completed event to the session bound to
// the context. Without a bound session this is a no-op; append failures
// only log.
func (e *Executor) recordRun(ctx context.Context, plan *planner.Plan, step planner.Step, kind string, out *RunOutput, runErr error) {
	if e.sessions == nil {
		return
	}
	sessionID, _ := ctx.Value(logger.SessionIDKey).(string)
	if sessionID == "" {
		return
	}

	data := map[string]any{
		"success":    runErr == nil,
		"agent_kind": kind,
		"task_id":    plan.TaskID,
		"step_id":    step.ID,
	}
	if out != nil {
		data["output"] = out.Output
		data["run_id"] = out.RunID
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}

	err := e.sessions.Append(sessionID, sessionlog.Event{
		Type: sessionlog.EventAgentRunDone,
		Data: data,
	})
	if err != nil {
		e.logger.Warn("session record failed",
			zap.String("session_id", sessionID),
			zap.String("step_id", step.ID),
			zap.Error(err))
	}
}
