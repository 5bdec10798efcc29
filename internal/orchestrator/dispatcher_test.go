package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/lane"
	"github.com/evoagent/evoagent/internal/planner"
)

func newTestQueue(t *testing.T) *lane.Queue {
	t.Helper()
	q, err := lane.New(lane.DefaultConfig(), newTestLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q
}

func TestLaneForRouting(t *testing.T) {
	modeC := testPlan("t",
		planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter},
		planner.Step{ID: "step-2", AgentKind: planner.KindCodewriter},
		planner.Step{ID: "step-3", AgentKind: planner.KindIntegrator, Dependencies: []string{"step-1", "step-2"}},
	)
	assert.Equal(t, LaneParallel, LaneFor(modeC, modeC.Steps[0]))
	assert.Equal(t, LaneParallel, LaneFor(modeC, modeC.Steps[1]))
	assert.Equal(t, LaneMain, LaneFor(modeC, modeC.Steps[2]))

	modeA := testPlan("t", planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter})
	assert.Equal(t, LaneMain, LaneFor(modeA, modeA.Steps[0]))

	modeD := testPlan("t",
		planner.Step{ID: "step-1", AgentKind: planner.KindPlanner},
		planner.Step{ID: "step-2", AgentKind: planner.KindCodewriter, Dependencies: []string{"step-1"}},
	)
	assert.Equal(t, LanePlanner, LaneFor(modeD, modeD.Steps[0]))
	assert.Equal(t, LaneMain, LaneFor(modeD, modeD.Steps[1]))
}

func TestLaneDispatcherRunsStepThroughQueue(t *testing.T) {
	q := newTestQueue(t)
	inner := StepExecutorFunc(func(_ context.Context, _ *planner.Plan, step planner.Step) (*StepOutput, error) {
		return &StepOutput{
			Output:    "ran " + step.ID,
			Artifacts: Artifacts{Files: []string{"main.go"}},
		}, nil
	})
	d, err := NewLaneDispatcher(q, inner, newTestLogger(t))
	require.NoError(t, err)

	plan := testPlan("task-d1", planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter, Description: "work"})
	out, err := d.ExecuteStep(context.Background(), plan, plan.Steps[0])
	require.NoError(t, err)

	assert.Equal(t, "ran step-1", out.Output)
	assert.Equal(t, []string{"main.go"}, out.Artifacts.Files)
	assert.Equal(t, int64(1), q.Stats().Completed)
}

func TestLaneDispatcherPropagatesFailure(t *testing.T) {
	q := newTestQueue(t)
	inner := StepExecutorFunc(func(context.Context, *planner.Plan, planner.Step) (*StepOutput, error) {
		return nil, errors.New("step timed out")
	})
	d, err := NewLaneDispatcher(q, inner, newTestLogger(t))
	require.NoError(t, err)

	plan := testPlan("task-d2", planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter, Description: "work"})
	_, err = d.ExecuteStep(context.Background(), plan, plan.Steps[0])
	require.Error(t, err)
	// The failure message survives the queue so retry classification still
	// sees the original signal.
	assert.Contains(t, err.Error(), "timed out")
}

func TestLaneDispatcherHonorsCallerDeadline(t *testing.T) {
	q := newTestQueue(t)
	inner := StepExecutorFunc(func(ctx context.Context, _ *planner.Plan, _ planner.Step) (*StepOutput, error) {
		select {
		case <-time.After(2 * time.Second):
			return &StepOutput{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d, err := NewLaneDispatcher(q, inner, newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	plan := testPlan("task-d3", planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter, Description: "slow"})
	start := time.Now()
	_, err = d.ExecuteStep(ctx, plan, plan.Steps[0])
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLaneDispatcherCarriesSubmitterContext(t *testing.T) {
	q := newTestQueue(t)
	inner := StepExecutorFunc(func(ctx context.Context, _ *planner.Plan, _ planner.Step) (*StepOutput, error) {
		id, _ := ctx.Value(logger.SessionIDKey).(string)
		return &StepOutput{Output: id}, nil
	})
	d, err := NewLaneDispatcher(q, inner, newTestLogger(t))
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), logger.SessionIDKey, "sess-77")
	plan := testPlan("task-d5", planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter, Description: "work"})
	out, err := d.ExecuteStep(ctx, plan, plan.Steps[0])
	require.NoError(t, err)
	// The session binding crossed the lane boundary into the executor.
	assert.Equal(t, "sess-77", out.Output)
}

func TestOrchestratorWithLaneDispatcherEndToEnd(t *testing.T) {
	q := newTestQueue(t)
	inner := StepExecutorFunc(func(_ context.Context, _ *planner.Plan, step planner.Step) (*StepOutput, error) {
		return &StepOutput{Output: step.ID + " done"}, nil
	})
	d, err := NewLaneDispatcher(q, inner, newTestLogger(t))
	require.NoError(t, err)
	o, err := New(fastConfig(), d, nil, newTestLogger(t))
	require.NoError(t, err)

	plan := testPlan("task-d4",
		planner.Step{ID: "step-1", AgentKind: planner.KindCodewriter, Description: "write auth"},
		planner.Step{ID: "step-2", AgentKind: planner.KindCodewriter, Description: "write db"},
		planner.Step{ID: "step-3", AgentKind: planner.KindIntegrator, Description: "merge", Dependencies: []string{"step-1", "step-2"}},
	)
	result, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.CompletedSteps)
	assert.Equal(t, int64(3), q.Stats().Completed)
}
