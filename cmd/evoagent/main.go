// Package main is the evoagent command line interface. One binary covers
// the whole lifecycle: initialize the data directory, execute a single
// requirement, run the WebSocket server, consolidate memory, and inspect
// sessions, knowledge and configuration.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/evoagent/evoagent/internal/common/errs"
)

// CLI is the full command tree.
type CLI struct {
	Init      InitCmd      `cmd:"" help:"Create the data directory layout and a default config file."`
	Execute   ExecuteCmd   `cmd:"" help:"Plan and execute one requirement."`
	Serve     ServeCmd     `cmd:"" help:"Run the WebSocket gateway server."`
	Reflect   ReflectCmd   `cmd:"" help:"Run one consolidation pass over eligible sessions."`
	Doctor    DoctorCmd    `cmd:"" help:"Check configuration, data stores and providers."`
	Knowledge KnowledgeCmd `cmd:"" help:"Inspect and edit the knowledge base."`
	Session   SessionCmd   `cmd:"" help:"Inspect and maintain session logs."`
	Config    ConfigCmd    `cmd:"" help:"Inspect and edit the configuration."`
	Agent     AgentCmd     `cmd:"" help:"Inspect specialists and their recorded runs."`

	ConfigPath string `name:"config" short:"c" type:"path" help:"Config file or directory (default: ., ~/.evoagent, /etc/evoagent)."`
	LogLevel   string `help:"Override the configured log level (debug, info, warn, error)."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("evoagent"),
		kong.Description("Self-improving agent execution core."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			// Command line misuse is a validation failure.
			if code != 0 {
				code = 2
			}
			os.Exit(code)
		}),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "evoagent: error: %v\n", err)
		if errs.IsValidation(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
