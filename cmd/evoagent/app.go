package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/agents"
	a2abus "github.com/evoagent/evoagent/internal/bus"
	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/embedding"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
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

const configFileName = "evoagent.yaml"

// configDir returns the directory the config loader should search, or ""
// for the default locations.
func (c *CLI) configDir() string {
	if c.ConfigPath == "" {
		return ""
	}
	if st, err := os.Stat(c.ConfigPath); err == nil && st.IsDir() {
		return c.ConfigPath
	}
	return filepath.Dir(c.ConfigPath)
}

// configFile returns the concrete file path config write operations
// target. With no --config flag this is ~/.evoagent/evoagent.yaml.
func (c *CLI) configFile() (string, error) {
	if c.ConfigPath != "" {
		if st, err := os.Stat(c.ConfigPath); err == nil && st.IsDir() {
			return filepath.Join(c.ConfigPath, configFileName), nil
		}
		return c.ConfigPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".evoagent", configFileName), nil
}

// app carries the configuration and logger every command starts from.
type app struct {
	cli *CLI
	cfg *config.Config
	log *logger.Logger
}

func newApp(cli *CLI) (*app, error) {
	cfg, err := config.LoadWithPath(cli.configDir())
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}

	return &app{cli: cli, cfg: cfg, log: log}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
}

// newQuietLogger keeps maintenance commands from mixing store logs into
// their report output.
func newQuietLogger() (*logger.Logger, error) {
	return logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
}

// openBus builds the configured event bus through the events provider:
// NATS when enabled, in-memory otherwise.
func (a *app) openBus() (eventbus.EventBus, error) {
	provided, _, err := events.Provide(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	if provided.NATS != nil {
		a.log.Info("connected to NATS", zap.String("url", a.cfg.NATS.URL))
	}
	return provided.Bus, nil
}

func (a *app) openSessions(bus eventbus.EventBus) (*sessionlog.Log, error) {
	return sessionlog.New(a.cfg.Data.SessionDir(), a.log, bus)
}

func (a *app) openKnowledge() (*knowledge.Store, error) {
	return knowledge.New(a.cfg.Data.KnowledgeDir(), a.log)
}

func (a *app) openVector() (*vector.Store, error) {
	embedder, err := embedding.New(a.cfg.Embedding)
	if err != nil {
		return nil, err
	}
	return vector.New(vector.Config{
		Dir:       a.cfg.Data.VectorDir(),
		Mirror:    a.cfg.Memory.Vector.Mirror,
		CacheSize: a.cfg.Memory.Vector.CacheSize,
	}, embedder, a.log)
}

func (a *app) laneConfig() lane.Config {
	cfg := lane.Config{Tick: a.cfg.Lanes.TickDuration()}
	for _, def := range a.cfg.Lanes.Definitions {
		cfg.Lanes = append(cfg.Lanes, lane.LaneConfig{
			Kind:          def.Kind,
			MaxConcurrent: def.MaxConcurrent,
			Priority:      def.Priority,
		})
	}
	return cfg
}

func (a *app) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		StepTimeout: a.cfg.Orchestrator.StepTimeoutDuration(),
		MaxRetries:  a.cfg.Orchestrator.MaxRetries,
		RetryDelay:  a.cfg.Orchestrator.RetryDelayDuration(),
	}
}

func (a *app) a2aConfig() a2abus.Config {
	return a2abus.Config{
		MaxQueueSize:   a.cfg.Bus.MaxQueueSize,
		DefaultTimeout: a.cfg.Bus.DefaultTimeoutDuration(),
	}
}

// core is the assembled execution pipeline shared by execute, serve and
// agent run: memory substrate, event bus, model provider, lane queue,
// specialist executor, orchestrator and planner.
type core struct {
	bus       eventbus.EventBus
	sessions  *sessionlog.Log
	knowledge *knowledge.Store
	vectors   *vector.Store
	hybrid    *hybrid.Searcher
	provider  llm.Provider
	lanes     *lane.Queue
	executor  *agents.Executor
	planner   *planner.Planner
	orch      *orchestrator.Orchestrator
}

// coreOptions tune the assembly. Metrics may be nil; Model overrides the
// configured model name.
type coreOptions struct {
	Metrics *metrics.Metrics
	Model   string
}

// buildCore wires the pipeline bottom-up. On any error everything opened
// so far is closed again.
func (a *app) buildCore(opts coreOptions) (*core, error) {
	bus, err := a.openBus()
	if err != nil {
		return nil, err
	}
	c := &core{bus: bus}

	if c.sessions, err = a.openSessions(bus); err != nil {
		c.Close()
		return nil, err
	}
	if c.knowledge, err = a.openKnowledge(); err != nil {
		c.Close()
		return nil, err
	}
	if c.vectors, err = a.openVector(); err != nil {
		c.Close()
		return nil, err
	}
	c.hybrid = hybrid.New(c.knowledge, c.vectors, a.log)

	llmCfg := a.cfg.LLM
	if opts.Model != "" {
		llmCfg.Model = opts.Model
	}
	if c.provider, err = llm.New(llmCfg); err != nil {
		c.Close()
		return nil, err
	}

	if c.lanes, err = lane.New(a.laneConfig(), a.log, opts.Metrics); err != nil {
		c.Close()
		return nil, err
	}
	if err = c.lanes.Start(); err != nil {
		c.Close()
		return nil, err
	}

	if c.executor, err = agents.NewExecutor(c.provider, bus, nil, c.sessions, a.log); err != nil {
		c.Close()
		return nil, err
	}
	for _, kind := range agents.Kinds() {
		agent, err := agents.NewAgent(kind, c.provider, bus, nil, a.log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.executor.Register(agent)
	}

	dispatcher, err := orchestrator.NewLaneDispatcher(c.lanes, c.executor, a.log)
	if err != nil {
		c.Close()
		return nil, err
	}
	if c.orch, err = orchestrator.New(a.orchestratorConfig(), dispatcher, bus, a.log); err != nil {
		c.Close()
		return nil, err
	}
	c.planner = planner.New(c.hybrid, c.vectors, a.log)

	return c, nil
}

// Close releases the core in reverse construction order.
func (c *core) Close() {
	if c.lanes != nil {
		c.lanes.Stop()
	}
	if c.vectors != nil {
		_ = c.vectors.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
}

// printJSON renders a record the way the inspection subcommands report.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
