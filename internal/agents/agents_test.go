package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/planner"
	rt "github.com/evoagent/evoagent/internal/runtime"
	"github.com/evoagent/evoagent/internal/skills"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// brokenProvider fails every completion with a fixed error.
type brokenProvider struct {
	err error
}

func (p *brokenProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, p.err
}

func (p *brokenProvider) Stream(context.Context, llm.Request, llm.StreamFunc) (*llm.Response, error) {
	return nil, p.err
}

func (p *brokenProvider) CountTokens(string) int { return 0 }

func (p *brokenProvider) HealthCheck(context.Context) error { return p.err }

func (p *brokenProvider) Model() string { return "broken" }

func TestParseArtifacts(t *testing.T) {
	content := "I changed the handler.\n" +
		"file: internal/api/handler.go\n" +
		"Created file: internal/api/handler_test.go\n" +
		"dir: internal/api\n" +
		"command: go generate ./...\n" +
		"test: TestHandlerCreate\n" +
		"review: error handling looks solid\n" +
		"file:\n" +
		"nothing to see here\n"

	arts := ParseArtifacts(content)
	assert.Equal(t, []string{"internal/api/handler.go", "internal/api/handler_test.go"}, arts.Files)
	assert.Equal(t, []string{"internal/api"}, arts.Directories)
	assert.Equal(t, []string{"go generate ./..."}, arts.Commands)
	assert.Equal(t, []string{"TestHandlerCreate"}, arts.Tests)
	assert.Equal(t, []string{"error handling looks solid"}, arts.Reviews)

	assert.True(t, ParseArtifacts("plain prose only").Empty())
}

func TestAgentRunCompletesLifecycle(t *testing.T) {
	agent, err := NewAgent(planner.KindCodewriter, llm.NewEcho(""), nil, nil, newTestLogger(t))
	require.NoError(t, err)

	out, err := agent.Run(context.Background(), "run-1", "file: cmd/main.go", map[string]any{"step_id": "step-1"})
	require.NoError(t, err)

	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, "file: cmd/main.go", out.Output)
	assert.Equal(t, []string{"cmd/main.go"}, out.Artifacts.Files)
	assert.Positive(t, out.TokensUsed)

	run, err := agent.Runtime().Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, rt.StateCompleted, run.State)
	assert.Equal(t, "file: cmd/main.go", run.Result["output"])
	assert.Equal(t, "step-1", run.Options["step_id"])
	assert.False(t, run.EndTime.IsZero())
}

func TestAgentRunFailureFailsRun(t *testing.T) {
	provider := &brokenProvider{err: errors.New("model unavailable: connection refused")}
	agent, err := NewAgent(planner.KindReviewer, provider, nil, nil, newTestLogger(t))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "run-2", "review the change", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	run, getErr := agent.Runtime().Get("run-2")
	require.NoError(t, getErr)
	assert.Equal(t, rt.StateFailed, run.State)
	assert.Contains(t, run.Error, "connection refused")
}

func TestAgentRunEmptyInput(t *testing.T) {
	agent, err := NewAgent(planner.KindTester, llm.NewEcho(""), nil, nil, newTestLogger(t))
	require.NoError(t, err)

	_, err = agent.Run(context.Background(), "", "   ", nil)
	assert.True(t, errs.IsValidation(err))
	assert.Empty(t, agent.Runtime().List())
}

func TestAgentSkillTool(t *testing.T) {
	sandbox := skills.ExecutorFunc(func(_ context.Context, code string, execCtx skills.Context, opts skills.Options) (*skills.Result, error) {
		require.Equal(t, skills.DefaultTimeout, opts.Timeout)
		return &skills.Result{Output: code, Value: execCtx["n"]}, nil
	})
	agent, err := NewAgent(planner.KindCodewriter, llm.NewEcho(""), nil, sandbox, newTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"skill"}, agent.Runtime().Tools())

	_, err = agent.Runtime().StartRun("run-3", nil)
	require.NoError(t, err)

	result, err := agent.Runtime().ExecuteToolCall(context.Background(), "run-3", "skill", map[string]any{
		"code":    "return n * 2",
		"context": map[string]any{"n": 21},
	})
	require.NoError(t, err)
	skillResult, ok := result.(*skills.Result)
	require.True(t, ok)
	assert.Equal(t, "return n * 2", skillResult.Output)
	assert.Equal(t, 21, skillResult.Value)

	_, err = agent.Runtime().ExecuteToolCall(context.Background(), "run-3", "skill", map[string]any{})
	assert.True(t, errs.IsValidation(err))
}

func TestAgentWithoutSandboxHasNoSkillTool(t *testing.T) {
	agent, err := NewAgent(planner.KindCodewriter, llm.NewEcho(""), nil, nil, newTestLogger(t))
	require.NoError(t, err)
	assert.Empty(t, agent.Runtime().Tools())
}
