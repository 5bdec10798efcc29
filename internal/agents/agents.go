// Package agents implements the specialist agents plan steps are
// dispatched to. Every agent owns a runtime for its kind, drives each
// piece of work through the run lifecycle, and produces its output with
// the configured LLM provider. A skill sandbox, when configured, is
// exposed to the run as the "skill" tool.
package agents

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/orchestrator"
	"github.com/evoagent/evoagent/internal/planner"
	rt "github.com/evoagent/evoagent/internal/runtime"
	"github.com/evoagent/evoagent/internal/skills"
)

// rolePrompts are the system prompts per specialist kind.
var rolePrompts = map[string]string{
	planner.KindPlanner: "You break requirements into ordered phases. " +
		"Answer with a numbered list of concrete phases.",
	planner.KindCodewriter: "You implement the requested change. " +
		"Report every touched file on its own line as 'file: <path>' and every command as 'command: <cmd>'.",
	planner.KindReviewer: "You review the implementation for defects. " +
		"Report findings as 'review: <finding>' lines.",
	planner.KindTester: "You verify the change. " +
		"Report executed checks as 'test: <name>' lines.",
	planner.KindIntegrator: "You merge parallel work into a consistent whole " +
		"and report conflicts you resolved.",
}

const generalPrompt = "You are a software agent. Complete the requested work " +
	"and describe the outcome concisely."

// Kinds lists the specialist kinds, in the order plan steps typically
// dispatch to them.
func Kinds() []string {
	return []string{
		planner.KindPlanner,
		planner.KindCodewriter,
		planner.KindReviewer,
		planner.KindTester,
		planner.KindIntegrator,
	}
}

// RoleFor returns the system prompt for a kind. Unknown kinds get the
// general prompt.
func RoleFor(kind string) string {
	if prompt, ok := rolePrompts[kind]; ok {
		return prompt
	}
	return generalPrompt
}

// RunOutput is what one agent run produced.
type RunOutput struct {
	RunID      string
	Output     string
	Artifacts  orchestrator.Artifacts
	TokensUsed int
	Duration   time.Duration
}

// Agent is one specialist. It is safe for concurrent runs.
type Agent struct {
	kind     string
	runtime  *rt.Runtime
	provider llm.Provider
	logger   *logger.Logger
}

// NewAgent builds a specialist of the given kind. The bus is optional and
// receives the run lifecycle events; the sandbox is optional and becomes
// the "skill" tool.
func NewAgent(kind string, provider llm.Provider, bus eventbus.EventBus, sandbox skills.Executor, log *logger.Logger) (*Agent, error) {
	if provider == nil {
		return nil, errs.E(errs.KindValidation, "agents.new", "llm provider is required")
	}
	runtime, err := rt.New(rt.Config{AgentKind: kind, Events: bus}, log)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		kind:     kind,
		runtime:  runtime,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "agent"), zap.String("agent_kind", kind)),
	}
	if sandbox != nil {
		err := runtime.RegisterTool(rt.Tool{
			Name:        "skill",
			Description: "Execute skill code in the configured sandbox.",
			Execute: func(ctx context.Context, params map[string]any) (any, error) {
				code, _ := params["code"].(string)
				if strings.TrimSpace(code) == "" {
					return nil, errs.E(errs.KindValidation, "agents.skill", "code parameter is required")
				}
				execCtx := skills.Context{}
				if vars, ok := params["context"].(map[string]any); ok {
					execCtx = vars
				}
				return sandbox.Execute(ctx, code, execCtx, skills.Options{}.WithDefaults())
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Kind returns the specialist kind.
func (a *Agent) Kind() string {
	return a.kind
}

// Runtime exposes the underlying run lifecycle, mainly for inspection and
// cancellation.
func (a *Agent) Runtime() *rt.Runtime {
	return a.runtime
}

// Run drives one piece of work through the run lifecycle: start, complete
// or fail, with progress updates around the model call. A failed model
// call fails the run and returns the error.
func (a *Agent) Run(ctx context.Context, runID, input string, options map[string]any) (*RunOutput, error) {
	if strings.TrimSpace(input) == "" {
		return nil, errs.E(errs.KindValidation, "agents.run", "input is empty")
	}

	run, err := a.runtime.StartRun(runID, options)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	prompt := RoleFor(a.kind)
	_ = a.runtime.UpdateProgress(run.ID, 10, "calling model")

	resp, err := a.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: prompt},
			{Role: llm.RoleUser, Content: input},
		},
	})
	if err != nil {
		_ = a.runtime.Fail(run.ID, err)
		return nil, err
	}

	_ = a.runtime.UpdateProgress(run.ID, 90, "model call finished")
	out := &RunOutput{
		RunID:      run.ID,
		Output:     resp.Content,
		Artifacts:  ParseArtifacts(resp.Content),
		TokensUsed: resp.TokensUsed,
		Duration:   time.Since(start),
	}

	if err := a.runtime.Complete(run.ID, map[string]any{
		"output":      out.Output,
		"tokens_used": out.TokensUsed,
	}); err != nil {
		return nil, err
	}

	a.logger.Debug("agent run finished",
		zap.String("run_id", run.ID),
		zap.Int("tokens_used", out.TokensUsed),
		zap.Duration("took", out.Duration))
	return out, nil
}

// artifactMarkers maps output line prefixes to artifact buckets.
var artifactMarkers = []struct {
	prefix string
	bucket func(a *orchestrator.Artifacts, v string)
}{
	{"file:", func(a *orchestrator.Artifacts, v string) { a.Files = append(a.Files, v) }},
	{"created file:", func(a *orchestrator.Artifacts, v string) { a.Files = append(a.Files, v) }},
	{"directory:", func(a *orchestrator.Artifacts, v string) { a.Directories = append(a.Directories, v) }},
	{"dir:", func(a *orchestrator.Artifacts, v string) { a.Directories = append(a.Directories, v) }},
	{"command:", func(a *orchestrator.Artifacts, v string) { a.Commands = append(a.Commands, v) }},
	{"ran:", func(a *orchestrator.Artifacts, v string) { a.Commands = append(a.Commands, v) }},
	{"test:", func(a *orchestrator.Artifacts, v string) { a.Tests = append(a.Tests, v) }},
	{"review:", func(a *orchestrator.Artifacts, v string) { a.Reviews = append(a.Reviews, v) }},
}

// ParseArtifacts scans agent output for marker lines ("file: x",
// "command: y", ...) and buckets them. Unmarked lines are plain output.
func ParseArtifacts(content string) orchestrator.Artifacts {
	var arts orchestrator.Artifacts
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, m := range artifactMarkers {
			if !strings.HasPrefix(lower, m.prefix) {
				continue
			}
			value := strings.TrimSpace(trimmed[len(m.prefix):])
			if value != "" {
				m.bucket(&arts, value)
			}
			break
		}
	}
	return arts
}
