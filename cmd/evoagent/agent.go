package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/evoagent/evoagent/internal/agents"
	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
)

// AgentCmd groups the specialist agent subcommands.
type AgentCmd struct {
	List    AgentListCmd    `cmd:"" help:"List the specialist kinds."`
	Run     AgentRunCmd     `cmd:"" help:"Run one specialist directly, outside a plan."`
	Status  AgentStatusCmd  `cmd:"" help:"Show the recorded outcome of a run."`
	Cancel  AgentCancelCmd  `cmd:"" help:"Cancel a run."`
	History AgentHistoryCmd `cmd:"" help:"List recorded agent runs, newest first."`
}

type AgentListCmd struct{}

func (c *AgentListCmd) Run(cli *CLI) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tROLE")
	for _, kind := range agents.Kinds() {
		fmt.Fprintf(w, "%s\t%s\n", kind, agents.RoleFor(kind))
	}
	return w.Flush()
}

type AgentRunCmd struct {
	Kind    string `arg:"" help:"Specialist kind (see 'evoagent agent list')."`
	Input   string `arg:"" help:"What the agent should do."`
	Session string `help:"Record the run into this session instead of a fresh one."`
}

func (c *AgentRunCmd) Run(cli *CLI) error {
	app, err := newApp(cli)
	if err != nil {
		return err
	}
	defer app.close()

	provider, err := llm.New(app.cfg.LLM)
	if err != nil {
		return err
	}
	agent, err := agents.NewAgent(c.Kind, provider, nil, nil, app.log)
	if err != nil {
		return err
	}
	sessions, err := app.openSessions(nil)
	if err != nil {
		return err
	}
	sessionID, err := ensureSession(sessions, c.Session)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	fmt.Printf("run %s\nsession %s\n", runID, sessionID)

	ctx := context.WithValue(context.Background(), logger.SessionIDKey, sessionID)
	out, runErr := agent.Run(ctx, runID, c.Input, nil)

	data := map[string]any{
		"success":    runErr == nil,
		"agent_kind": c.Kind,
		"run_id":     runID,
	}
	if out != nil {
		data["output"] = out.Output
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	if err := sessions.Append(sessionID, sessionlog.Event{
		Type: sessionlog.EventAgentRunDone,
		Data: data,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: run not recorded: %v\n", err)
	}

	if runErr != nil {
		return runErr
	}
	fmt.Printf("\ncompleted in %s, %d tokens\n\n%s\n",
		out.Duration.Round(time.Millisecond), out.TokensUsed, out.Output)
	return nil
}

// recordedRun is one agent.run.completed event found in the session log.
type recordedRun struct {
	RunID     string
	AgentKind string
	SessionID string
	TaskID    string
	Success   bool
	Error     string
	Output    string
	Timestamp time.Time
}

func collectRuns(store *sessionlog.Log, sessionID string) ([]recordedRun, error) {
	var ids []string
	if sessionID != "" {
		ids = []string{sessionID}
	} else {
		for _, meta := range store.List(sessionlog.ListFilter{}) {
			ids = append(ids, meta.SessionID)
		}
	}

	var runs []recordedRun
	for _, id := range ids {
		session, err := store.Load(id)
		if err != nil {
			return nil, err
		}
		for _, ev := range session.Events {
			if ev.Type != sessionlog.EventAgentRunDone {
				continue
			}
			r := recordedRun{SessionID: id, Timestamp: ev.Timestamp}
			r.RunID, _ = ev.Data["run_id"].(string)
			r.AgentKind, _ = ev.Data["agent_kind"].(string)
			r.TaskID, _ = ev.Data["task_id"].(string)
			r.Success, _ = ev.Data["success"].(bool)
			r.Error, _ = ev.Data["error"].(string)
			r.Output, _ = ev.Data["output"].(string)
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })
	return runs, nil
}

func findRun(store *sessionlog.Log, runID string) (*recordedRun, error) {
	runs, err := collectRuns(store, "")
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].RunID == runID {
			return &runs[i], nil
		}
	}
	return nil, errs.E(errs.KindNotFound, "cli.agent", "no recorded run %q", runID)
}

func runStatus(r *recordedRun) string {
	if r.Success {
		return "completed"
	}
	return "failed"
}

type AgentStatusCmd struct {
	RunID string `arg:"" help:"Run id."`
}

func (c *AgentStatusCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	r, err := findRun(store, c.RunID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %s\nagent %s\nsession %s\nat %s\n",
		r.RunID, runStatus(r), r.AgentKind, r.SessionID,
		r.Timestamp.Local().Format(time.RFC3339))
	if r.Error != "" {
		fmt.Printf("error: %s\n", r.Error)
	}
	if r.Output != "" {
		fmt.Printf("\n%s\n", r.Output)
	}
	return nil
}

type AgentCancelCmd struct {
	RunID string `arg:"" help:"Run id."`
}

func (c *AgentCancelCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	r, err := findRun(store, c.RunID)
	if err != nil {
		return err
	}
	// Recorded runs are terminal. Cancelling one is a no-op.
	fmt.Printf("run %s already finished (%s)\n", r.RunID, runStatus(r))
	return nil
}

type AgentHistoryCmd struct {
	Limit   int    `default:"20" help:"Cap the number of rows."`
	Session string `help:"Only runs recorded in this session."`
}

func (c *AgentHistoryCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	runs, err := collectRuns(store, c.Session)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no recorded runs")
		return nil
	}
	if c.Limit > 0 && len(runs) > c.Limit {
		runs = runs[:c.Limit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAGENT\tSTATUS\tSESSION\tWHEN")
	for _, r := range runs {
		id := r.RunID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			id, r.AgentKind, runStatus(&r), r.SessionID,
			r.Timestamp.Local().Format(time.RFC3339))
	}
	return w.Flush()
}
