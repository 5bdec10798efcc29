package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
)

// SessionCmd groups the session log maintenance subcommands.
type SessionCmd struct {
	List    SessionListCmd    `cmd:"" help:"List sessions."`
	Get     SessionGetCmd     `cmd:"" help:"Show one session with its events."`
	Delete  SessionDeleteCmd  `cmd:"" help:"Delete a session permanently."`
	Archive SessionArchiveCmd `cmd:"" help:"Archive a session."`
	Keep    SessionKeepCmd    `cmd:"" help:"Protect a session from cleanup."`
	Cleanup SessionCleanupCmd `cmd:"" help:"Remove old sessions."`
	Stats   SessionStatsCmd   `cmd:"" help:"Aggregate session statistics."`
}

// newAppQuiet loads the configuration with a logger that stays out of the
// command's report output.
func newAppQuiet(cli *CLI) (*app, error) {
	cfg, err := config.LoadWithPath(cli.configDir())
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	log, err := newQuietLogger()
	if err != nil {
		return nil, err
	}
	return &app{cli: cli, cfg: cfg, log: log}, nil
}

func openSessionStore(cli *CLI) (*sessionlog.Log, error) {
	app, err := newAppQuiet(cli)
	if err != nil {
		return nil, err
	}
	return app.openSessions(nil)
}

type SessionListCmd struct {
	Status string `help:"Filter by status (active, archived)."`
	User   string `help:"Filter by user id."`
	Limit  int    `help:"Cap the number of rows."`
}

func (c *SessionListCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	sessions := store.List(sessionlog.ListFilter{
		Status: c.Status,
		UserID: c.User,
		Limit:  c.Limit,
	})
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tEVENTS\tRUNS\tUPDATED\tKEEP")
	for _, s := range sessions {
		keep := ""
		if s.KeepForever {
			keep = "forever"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.SessionID, s.Status, s.MessageCount, s.AgentRunCount,
			s.UpdatedAt.Local().Format(time.RFC3339), keep)
	}
	return w.Flush()
}

type SessionGetCmd struct {
	ID string `arg:"" help:"Session id."`
}

func (c *SessionGetCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	session, err := store.Load(c.ID)
	if err != nil {
		return err
	}
	return printJSON(session)
}

type SessionDeleteCmd struct {
	ID string `arg:"" help:"Session id."`
}

func (c *SessionDeleteCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	if err := store.Delete(c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.ID)
	return nil
}

type SessionArchiveCmd struct {
	ID string `arg:"" help:"Session id."`
}

func (c *SessionArchiveCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	if err := store.Archive(c.ID); err != nil {
		return err
	}
	fmt.Printf("archived %s\n", c.ID)
	return nil
}

type SessionKeepCmd struct {
	ID  string `arg:"" help:"Session id."`
	Off bool   `help:"Clear the keep-forever mark instead of setting it."`
}

func (c *SessionKeepCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	if err := store.KeepForever(c.ID, !c.Off); err != nil {
		return err
	}
	if c.Off {
		fmt.Printf("%s is no longer protected\n", c.ID)
	} else {
		fmt.Printf("%s is protected from cleanup\n", c.ID)
	}
	return nil
}

type SessionCleanupCmd struct {
	MaxAge      time.Duration `help:"Remove sessions not updated for this long (for example 720h)."`
	MaxSessions int           `help:"Keep at most this many sessions."`
	KeepActive  bool          `default:"true" negatable:"" help:"Never remove active sessions."`
}

func (c *SessionCleanupCmd) Run(cli *CLI) error {
	if c.MaxAge <= 0 && c.MaxSessions <= 0 {
		return errs.E(errs.KindValidation, "cli.session",
			"cleanup needs --max-age or --max-sessions")
	}
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	removed, err := store.Cleanup(sessionlog.CleanupOptions{
		MaxAge:      c.MaxAge,
		MaxSessions: c.MaxSessions,
		KeepActive:  c.KeepActive,
	})
	if err != nil {
		return err
	}
	fmt.Printf("removed %d sessions\n", removed)
	return nil
}

type SessionStatsCmd struct{}

func (c *SessionStatsCmd) Run(cli *CLI) error {
	store, err := openSessionStore(cli)
	if err != nil {
		return err
	}
	return printJSON(store.Stats())
}
