package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/embedding"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/llm"
	"github.com/evoagent/evoagent/internal/memory/consolidation"
	"github.com/evoagent/evoagent/internal/memory/knowledge"
)

// InitCmd creates the data directory layout and a starter config file.
type InitCmd struct {
	Force bool `help:"Overwrite an existing config file."`
}

func (i *InitCmd) Run(cli *CLI) error {
	app, err := newApp(cli)
	if err != nil {
		return err
	}
	defer app.close()

	// Opening the stores creates the on-disk layout.
	bus := eventbus.NewMemoryEventBus(app.log)
	defer bus.Close()
	if _, err := app.openSessions(bus); err != nil {
		return err
	}
	if _, err := app.openKnowledge(); err != nil {
		return err
	}
	vectors, err := app.openVector()
	if err != nil {
		return err
	}
	_ = vectors.Close()
	fmt.Printf("data directory ready: %s\n", filepath.Dir(app.cfg.Data.SessionDir()))

	path, err := cli.configFile()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !i.Force {
		fmt.Printf("config file exists: %s (use --force to overwrite)\n", path)
		return nil
	}

	settings := config.Viper(cli.configDir()).AllSettings()
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("config written: %s\n", path)
	return nil
}

// ReflectCmd runs one consolidation pass and reports what it distilled.
type ReflectCmd struct{}

func (r *ReflectCmd) Run(cli *CLI) error {
	app, err := newApp(cli)
	if err != nil {
		return err
	}
	defer app.close()

	bus, err := app.openBus()
	if err != nil {
		return err
	}
	defer bus.Close()
	sessions, err := app.openSessions(bus)
	if err != nil {
		return err
	}
	store, err := app.openKnowledge()
	if err != nil {
		return err
	}
	vectors, err := app.openVector()
	if err != nil {
		return err
	}
	defer func() { _ = vectors.Close() }()

	loop := consolidation.New(consolidation.Config{
		Interval:          app.cfg.Memory.Consolidation.IntervalDuration(),
		MinAge:            app.cfg.Memory.Consolidation.MinAgeDuration(),
		MinSuccessRate:    app.cfg.Memory.Consolidation.MinSuccessRate,
		MinOccurrences:    app.cfg.Memory.Consolidation.MinOccurrences,
		MaxSessionsPerRun: app.cfg.Memory.Consolidation.MaxSessionsPerRun,
	}, sessions, store, vectors, bus, app.log)

	report, err := loop.RunOnce(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("sessions scanned: %d\ncandidates: %d\nitems written: %d\nitems suppressed: %d\n",
		report.SessionsScanned, report.Candidates, report.ItemsWritten, report.ItemsSuppressed)
	return nil
}

// DoctorCmd checks the installation: configuration, data stores, model
// and embedding providers, and the NATS connection when enabled.
type DoctorCmd struct{}

func (d *DoctorCmd) Run(cli *CLI) error {
	// Doctor reports config problems instead of failing on them, so the
	// config is loaded by hand rather than through newApp.
	failures := 0
	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("%-18s failed: %v\n", name, err)
			return
		}
		fmt.Printf("%-18s ok\n", name)
	}

	v := config.Viper(cli.configDir())
	if err := v.ReadInConfig(); err == nil {
		fmt.Printf("%-18s %s\n", "config file", v.ConfigFileUsed())
	} else {
		fmt.Printf("%-18s defaults (no config file)\n", "config file")
	}

	cfg, err := config.LoadWithPath(cli.configDir())
	check("config", err)
	if err != nil {
		return errs.E(errs.KindInternal, "cli.doctor", "1 check failed")
	}

	app := &app{cli: cli, cfg: cfg}
	if app.log, err = newQuietLogger(); err != nil {
		return err
	}

	bus := eventbus.NewMemoryEventBus(app.log)
	defer bus.Close()

	sessions, err := app.openSessions(bus)
	check("session log", err)
	if err == nil {
		stats := sessions.Stats()
		fmt.Printf("%-18s %d sessions, %d events, %d agent runs\n",
			"", stats.Sessions, stats.Events, stats.AgentRuns)
	}

	store, err := app.openKnowledge()
	check("knowledge store", err)
	if err == nil {
		if items, listErr := store.List(knowledge.ListFilter{}); listErr == nil {
			fmt.Printf("%-18s %d items\n", "", len(items))
		}
	}

	vectors, err := app.openVector()
	check("vector store", err)
	if err == nil {
		total := 0
		for _, col := range vectors.Collections() {
			total += vectors.Count(col)
		}
		fmt.Printf("%-18s %d entries in %d collections\n", "", total, len(vectors.Collections()))
		_ = vectors.Close()
	}

	embedder, err := embedding.New(cfg.Embedding)
	check("embedding", err)
	if err == nil {
		fmt.Printf("%-18s %s, dimension %d\n", "", embedder.Model(), embedder.Dimension())
	}

	provider, err := llm.New(cfg.LLM)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = provider.HealthCheck(ctx)
		cancel()
	}
	check("llm provider", err)

	if cfg.NATS.Enabled {
		nats, err := eventbus.NewNATSEventBus(cfg.NATS, app.log)
		check("nats", err)
		if err == nil {
			nats.Close()
		}
	} else {
		fmt.Printf("%-18s skipped (disabled)\n", "nats")
	}

	if failures > 0 {
		return errs.E(errs.KindInternal, "cli.doctor", "%d checks failed", failures)
	}
	fmt.Println("all checks passed")
	return nil
}
