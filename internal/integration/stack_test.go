// Package integration holds end-to-end tests for the assembled execution
// core: a real gateway served over httptest with the planner, orchestrator,
// lane queue, specialist agents and memory substrate wired in behind it.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/agents"
	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/embedding"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/gateway"
	"github.com/evoagent/evoagent/internal/lane"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/memory/hybrid"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/memory/vector"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/internal/orchestrator"
	"github.com/evoagent/evoagent/internal/planner"
)

// stackRunner is the execution path behind the gateway in these tests:
// plan the requirement, then drive the plan through the orchestrator. The
// same shape the serve command wires up.
type stackRunner struct {
	planner *planner.Planner
	orch    *orchestrator.Orchestrator
}

func (r *stackRunner) Run(ctx context.Context, req gateway.RunRequest) (*gateway.RunResult, error) {
	plan, err := r.planner.Plan(ctx, req.TaskID, req.Input)
	if err != nil {
		return nil, err
	}
	res, err := r.orch.Execute(ctx, plan)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !res.Success {
		return nil, errs.E(errs.KindInternal, "integration.run",
			"plan %s completed %d of %d steps", res.PlanID, res.CompletedSteps, res.TotalSteps)
	}
	return &gateway.RunResult{
		Result: map[string]any{
			"planId":         res.PlanID,
			"success":        res.Success,
			"completedSteps": res.CompletedSteps,
			"totalSteps":     res.TotalSteps,
			"output":         res.AggregatedOutput,
		},
	}, nil
}

// testStack is the fully assembled core behind one httptest server.
type testStack struct {
	srv      *httptest.Server
	sessions *sessionlog.Log
	vectors  *vector.Store
	bus      *eventbus.MemoryEventBus
}

// newStack builds the whole pipeline bottom-up in a temp directory: memory
// stores, echo model provider, lanes, executor with every specialist kind,
// orchestrator, planner and the gateway on top. Everything is torn down in
// reverse when the test finishes.
func newStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	bus := eventbus.NewMemoryEventBus(log)
	dir := t.TempDir()

	sessions, err := sessionlog.New(filepath.Join(dir, "sessions"), log, bus)
	require.NoError(t, err)
	kstore, err := knowledge.New(filepath.Join(dir, "knowledge"), log)
	require.NoError(t, err)

	embedder, err := embedding.New(config.EmbeddingConfig{})
	require.NoError(t, err)
	vectors, err := vector.New(vector.Config{}, embedder, log)
	require.NoError(t, err)
	searcher := hybrid.New(kstore, vectors, log)

	provider, err := llm.New(config.LLMConfig{})
	require.NoError(t, err)

	laneCfg := lane.Config{
		Tick: 5 * time.Millisecond,
		Lanes: []lane.LaneConfig{
			{Kind: orchestrator.LanePlanner, MaxConcurrent: 1, Priority: 10},
			{Kind: orchestrator.LaneMain, MaxConcurrent: 2, Priority: 5},
			{Kind: orchestrator.LaneParallel, MaxConcurrent: 4, Priority: 1},
		},
	}
	lanes, err := lane.New(laneCfg, log, nil)
	require.NoError(t, err)
	require.NoError(t, lanes.Start())

	executor, err := agents.NewExecutor(provider, bus, nil, sessions, log)
	require.NoError(t, err)
	for _, kind := range agents.Kinds() {
		agent, err := agents.NewAgent(kind, provider, bus, nil, log)
		require.NoError(t, err)
		executor.Register(agent)
	}

	dispatcher, err := orchestrator.NewLaneDispatcher(lanes, executor, log)
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.Config{
		StepTimeout: 10 * time.Second,
		MaxRetries:  1,
		RetryDelay:  time.Millisecond,
	}, dispatcher, bus, log)
	require.NoError(t, err)

	pl := planner.New(searcher, vectors, log)

	gw, err := gateway.New(gateway.Config{}, &stackRunner{planner: pl, orch: orch},
		sessions, bus, metrics.New(), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()

	router := gin.New()
	gw.Routes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		lanes.Stop()
		_ = vectors.Close()
		bus.Close()
	})
	return &testStack{srv: srv, sessions: sessions, vectors: vectors, bus: bus}
}
