package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/agents"
	a2abus "github.com/evoagent/evoagent/internal/bus"
	"github.com/evoagent/evoagent/internal/common/httpmw"
	"github.com/evoagent/evoagent/internal/gateway"
	"github.com/evoagent/evoagent/internal/memory/consolidation"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/internal/registry"
	"github.com/evoagent/evoagent/internal/tracing"
	"github.com/evoagent/evoagent/pkg/a2a"
)

// ServeCmd runs the full server: execution pipeline, consolidation loop,
// agent registry, A2A bus and the WebSocket gateway on one HTTP listener.
type ServeCmd struct {
	Host string `help:"Bind address (overrides server.host)."`
	Port int    `help:"Listen port (overrides server.port)."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	app, err := newApp(cli)
	if err != nil {
		return err
	}
	defer app.close()

	if s.Host != "" {
		app.cfg.Server.Host = s.Host
	}
	if s.Port != 0 {
		app.cfg.Server.Port = s.Port
	}

	log := app.log
	log.Info("starting evoagent server",
		zap.String("data_dir", app.cfg.Data.SessionDir()),
		zap.String("llm_provider", app.cfg.LLM.Provider))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Execution pipeline: stores, event bus, provider, lanes, specialists.
	m := metrics.New()
	core, err := app.buildCore(coreOptions{Metrics: m})
	if err != nil {
		return err
	}
	defer core.Close()
	log.Info("execution pipeline ready", zap.Int("specialists", len(agents.Kinds())))

	// Registry and A2A bus. Every in-process specialist is registered and
	// answers direct requests with its presence record.
	reg := registry.New(registry.Config{
		HeartbeatInterval: app.cfg.Registry.HeartbeatIntervalDuration(),
		HeartbeatTimeout:  app.cfg.Registry.HeartbeatTimeoutDuration(),
	}, log)
	if err := reg.Start(); err != nil {
		return err
	}
	defer reg.Stop()

	abus := a2abus.New(app.a2aConfig(), log, m)
	defer abus.Close()

	if err := registerSpecialists(reg, abus); err != nil {
		return err
	}
	go heartbeatLoop(ctx, reg, app.cfg.Registry.HeartbeatIntervalDuration())
	log.Info("registry ready", zap.Int("agents", reg.Count()))

	// Consolidation loop.
	loop := consolidation.New(consolidation.Config{
		Interval:          app.cfg.Memory.Consolidation.IntervalDuration(),
		MinAge:            app.cfg.Memory.Consolidation.MinAgeDuration(),
		MinSuccessRate:    app.cfg.Memory.Consolidation.MinSuccessRate,
		MinOccurrences:    app.cfg.Memory.Consolidation.MinOccurrences,
		MaxSessionsPerRun: app.cfg.Memory.Consolidation.MaxSessionsPerRun,
	}, core.sessions, core.knowledge, core.vectors, core.bus, log)
	if err := loop.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = loop.Stop() }()
	log.Info("consolidation loop started",
		zap.Duration("interval", app.cfg.Memory.Consolidation.IntervalDuration()))

	// WebSocket gateway driving the pipeline.
	gw, err := gateway.New(gateway.Config{
		RateRPS:        app.cfg.Gateway.RateRPS,
		RateBurst:      app.cfg.Gateway.RateBurst,
		PingPeriod:     app.cfg.Gateway.PingPeriodDuration(),
		PongWait:       app.cfg.Gateway.PongWaitDuration(),
		MaxMessageSize: app.cfg.Gateway.MaxMessageSize,
	}, newPipeline(core.planner, core.orch, log), core.sessions, core.bus, m, log)
	if err != nil {
		return err
	}
	gwDone := make(chan struct{})
	go func() {
		defer close(gwDone)
		gw.Run(ctx)
	}()

	// HTTP server for /ws, /healthz and /metrics.
	if app.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.OtelTracing("gateway"))
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(corsMiddleware())
	gw.Routes(router)

	addr := fmt.Sprintf("%s:%d", app.cfg.Server.Host, app.cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: app.cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/healthz"),
			zap.String("metrics", "/metrics"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	// Cancelling the run context stops the gateway and fails in-flight
	// tasks as cancelled; the deferred closers unwind the rest.
	cancel()
	select {
	case <-gwDone:
	case <-shutdownCtx.Done():
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("trace flush failed", zap.Error(err))
	}

	log.Info("evoagent stopped")
	return nil
}

// registerSpecialists publishes the in-process specialists for discovery
// and sets each one up to answer direct A2A requests with its presence.
func registerSpecialists(reg *registry.Registry, abus *a2abus.MessageBus) error {
	for _, kind := range agents.Kinds() {
		kind := kind
		if _, err := reg.Register(kind, kind, []string{kind}, map[string]any{
			"role": agents.RoleFor(kind),
		}); err != nil {
			return err
		}
		_, err := abus.Subscribe(a2a.Address{AgentID: kind, AgentKind: kind},
			a2a.ByType(a2a.TypeRequest),
			func(ctx context.Context, msg *a2a.Message) (a2a.Payload, error) {
				record, err := reg.Get(kind)
				if err != nil {
					return nil, err
				}
				return a2a.Data(map[string]any{
					"agentId":       record.AgentID,
					"kind":          record.AgentKind,
					"status":        string(record.Status),
					"lastHeartbeat": record.LastHeartbeat.UTC().Format(time.RFC3339),
				}), nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// heartbeatLoop keeps the in-process specialists present while the server
// runs; they share the process, so one ticker covers all of them.
func heartbeatLoop(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = registry.DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range agents.Kinds() {
				_ = reg.Heartbeat(kind)
			}
		}
	}
}

// corsMiddleware allows browser clients on any origin to reach the HTTP
// and WebSocket endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
