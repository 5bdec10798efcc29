package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/orchestrator"
)

// asInt reads a numeric event field; NATS delivery turns ints into
// float64.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// ExecuteCmd plans one requirement and drives the plan through the full
// pipeline, recording the execution in a session.
type ExecuteCmd struct {
	Input     string `arg:"" help:"Requirement to plan and execute."`
	Type      string `help:"Task type recorded on the session."`
	Session   string `help:"Session to record the execution in (created when missing)."`
	Workspace string `type:"path" help:"Workspace directory the task concerns."`
	Model     string `help:"Model name override for this execution."`
}

// ensureSession resolves the session to record into: the requested one,
// created on first use, or a fresh one when none was named.
func ensureSession(store *sessionlog.Log, want string) (string, error) {
	sessionID := want
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if _, err := store.Get(sessionID); errs.IsNotFound(err) {
		if _, err := store.Create(sessionID, ""); err != nil && !errs.IsConflict(err) {
			return "", err
		}
	} else if err != nil {
		return "", err
	}
	return sessionID, nil
}

func (e *ExecuteCmd) Run(cli *CLI) error {
	app, err := newApp(cli)
	if err != nil {
		return err
	}
	defer app.close()

	core, err := app.buildCore(coreOptions{Model: e.Model})
	if err != nil {
		return err
	}
	defer core.Close()

	sessionID, err := ensureSession(core.sessions, e.Session)
	if err != nil {
		return err
	}

	taskID := uuid.New().String()
	ctx := context.WithValue(context.Background(), logger.SessionIDKey, sessionID)
	ctx = context.WithValue(ctx, logger.CorrelationIDKey, taskID)

	startData := map[string]any{"task_id": taskID, "input": e.Input}
	if e.Type != "" {
		startData["type"] = e.Type
	}
	if e.Workspace != "" {
		startData["workspace"] = e.Workspace
	}
	if err := core.sessions.Append(sessionID, sessionlog.Event{
		Type: sessionlog.EventTaskStarted,
		Data: startData,
	}); err != nil {
		return err
	}

	fmt.Printf("task %s\nsession %s\n", taskID, sessionID)

	plan, err := core.planner.Plan(ctx, taskID, e.Input)
	if err != nil {
		e.recordEnd(core, sessionID, taskID, err)
		return err
	}
	fmt.Printf("plan %s: mode %s, complexity %s, %d steps\n",
		plan.ID, plan.Analysis.Mode, plan.Analysis.Complexity, len(plan.Steps))
	for _, step := range plan.Steps {
		deps := ""
		if len(step.Dependencies) > 0 {
			deps = " (after " + strings.Join(step.Dependencies, ", ") + ")"
		}
		fmt.Printf("  %-8s %-11s %s%s\n", step.ID, step.AgentKind, step.Description, deps)
	}

	// Step completion lines print live while the orchestrator works.
	sub := e.watchProgress(core.bus, taskID)
	res, err := core.orch.Execute(ctx, plan)
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if err != nil {
		e.recordEnd(core, sessionID, taskID, err)
		return err
	}

	e.recordEnd(core, sessionID, taskID, resultErr(res))
	printResult(res)
	if !res.Success {
		return errs.E(errs.KindInternal, "cli.execute",
			"%d of %d steps completed", res.CompletedSteps, res.TotalSteps)
	}
	return nil
}

func (e *ExecuteCmd) watchProgress(bus eventbus.EventBus, taskID string) eventbus.Subscription {
	if bus == nil {
		return nil
	}
	subject := events.BuildTaskSubject(events.TaskProgress, taskID)
	sub, err := bus.Subscribe(subject, func(ctx context.Context, ev *eventbus.Event) error {
		stepID, _ := ev.Data["step_id"].(string)
		status, _ := ev.Data["status"].(string)
		line := fmt.Sprintf("  [%d/%d] %s %s",
			asInt(ev.Data["completed"]), asInt(ev.Data["total"]), stepID, status)
		if msg, ok := ev.Data["error"].(string); ok && msg != "" {
			line += ": " + msg
		}
		fmt.Println(line)
		return nil
	})
	if err != nil {
		return nil
	}
	return sub
}

// recordEnd appends the terminal task event; failures to record only log.
func (e *ExecuteCmd) recordEnd(core *core, sessionID, taskID string, runErr error) {
	ev := sessionlog.Event{
		Type: sessionlog.EventTaskCompleted,
		Data: map[string]any{"task_id": taskID},
	}
	if runErr != nil {
		ev.Type = sessionlog.EventTaskFailed
		ev.Data["error"] = runErr.Error()
	}
	_ = core.sessions.Append(sessionID, ev)
}

func resultErr(res *orchestrator.Result) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("%d of %d steps completed", res.CompletedSteps, res.TotalSteps)
}

func printResult(res *orchestrator.Result) {
	status := "completed"
	if !res.Success {
		status = "failed"
	}
	fmt.Printf("\n%s: %d of %d steps in %s\n",
		status, res.CompletedSteps, res.TotalSteps, res.Duration.Round(time.Millisecond))
	if res.AggregatedOutput != "" {
		fmt.Printf("\n%s\n", res.AggregatedOutput)
	}
	if !res.Artifacts.Empty() {
		fmt.Println("\nartifacts:")
		printArtifactList("files", res.Artifacts.Files)
		printArtifactList("directories", res.Artifacts.Directories)
		printArtifactList("commands", res.Artifacts.Commands)
		printArtifactList("tests", res.Artifacts.Tests)
		printArtifactList("reviews", res.Artifacts.Reviews)
	}
	for _, msg := range res.Errors {
		fmt.Printf("error: %s\n", msg)
	}
}

func printArtifactList(label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("  %s: %s\n", label, strings.Join(items, ", "))
}
