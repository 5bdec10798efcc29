package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/lane"
	"github.com/evoagent/evoagent/internal/planner"
)

// Lane kinds the dispatcher routes to.
const (
	LanePlanner  = "planner"
	LaneMain     = "main"
	LaneParallel = "parallel"
)

// LaneDispatcher is a StepExecutor that runs steps through the lane queue,
// so plan execution competes for the same bounded agent capacity as
// everything else. Planner steps take the planner lane, steps that can run
// side by side take the parallel lane, the rest take main.
type LaneDispatcher struct {
	queue  *lane.Queue
	inner  StepExecutor
	logger *logger.Logger
}

// NewLaneDispatcher wraps an executor with lane scheduling.
func NewLaneDispatcher(queue *lane.Queue, inner StepExecutor, log *logger.Logger) (*LaneDispatcher, error) {
	if queue == nil {
		return nil, errs.E(errs.KindValidation, "orchestrator.dispatcher", "lane queue is required")
	}
	if inner == nil {
		return nil, errs.E(errs.KindValidation, "orchestrator.dispatcher", "inner executor is required")
	}
	return &LaneDispatcher{
		queue:  queue,
		inner:  inner,
		logger: log.WithFields(zap.String("component", "lane_dispatcher")),
	}, nil
}

// ExecuteStep submits the step to its lane and waits for it to finish.
// Retries stay with the orchestrator, so the lane task itself never
// requeues.
func (d *LaneDispatcher) ExecuteStep(ctx context.Context, plan *planner.Plan, step planner.Step) (*StepOutput, error) {
	laneKind := LaneFor(plan, step)
	task, err := d.queue.Submit(lane.Submission{
		Lane:     laneKind,
		ParentID: plan.TaskID,
		Payload:  step,
		Execute: func(taskCtx context.Context, _ *lane.Task) (any, error) {
			// The step runs under the submitter's context so the session
			// binding and step deadline reach the executor. The lane can
			// still cancel the running task through taskCtx.
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(taskCtx, cancel)
			defer stop()
			return d.inner.ExecuteStep(runCtx, plan, step)
		},
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug("step dispatched",
		zap.String("plan_id", plan.ID),
		zap.String("step_id", step.ID),
		zap.String("lane", laneKind),
		zap.String("lane_task_id", task.ID))

	done, err := d.queue.WaitFor(ctx, task.ID, 0)
	if err != nil {
		// The orchestrator's deadline fired while the step was queued or
		// running; release the slot.
		if cancelErr := d.queue.Cancel(task.ID); cancelErr != nil && !errs.Is(cancelErr, errs.KindPrecondition) {
			d.logger.Warn("lane task cancel failed",
				zap.String("lane_task_id", task.ID),
				zap.Error(cancelErr))
		}
		return nil, err
	}

	switch done.State {
	case lane.StateCompleted:
		if out, ok := done.Result.(*StepOutput); ok && out != nil {
			return out, nil
		}
		return &StepOutput{}, nil
	case lane.StateCancelled:
		return nil, errs.E(errs.KindPrecondition, "orchestrator.dispatch",
			"step %s was cancelled", step.ID)
	default:
		return nil, errors.New(done.Error)
	}
}

// LaneFor picks the lane for a step. A step with no dependencies is
// parallelizable when the plan holds at least one other independent step.
func LaneFor(plan *planner.Plan, step planner.Step) string {
	if step.AgentKind == planner.KindPlanner {
		return LanePlanner
	}
	if len(step.Dependencies) == 0 {
		independent := 0
		for _, s := range plan.Steps {
			if len(s.Dependencies) == 0 {
				independent++
			}
		}
		if independent > 1 {
			return LaneParallel
		}
	}
	return LaneMain
}
