// Package gateway serves the execution core over a WebSocket endpoint,
// with health and Prometheus exposition on the HTTP side. Clients speak
// the pkg/ws envelope: requests come in, a pending/running/final response
// sequence goes out, and progress plus tool activity stream in between as
// event frames.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/pkg/ws"
)

// Config tunes the gateway's rate limiting and heartbeat contract.
type Config struct {
	RateRPS        float64
	RateBurst      int
	PingPeriod     time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		RateRPS:        5,
		RateBurst:      10,
		PingPeriod:     30 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 512 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RateRPS <= 0 {
		c.RateRPS = def.RateRPS
	}
	if c.RateBurst <= 0 {
		c.RateBurst = def.RateBurst
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = def.PingPeriod
	}
	if c.PongWait <= c.PingPeriod {
		c.PongWait = 2 * c.PingPeriod
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// RunRequest carries one accepted request into the execution pipeline.
type RunRequest struct {
	TaskID    string
	SessionID string
	Input     string
	AgentType string
	Workspace string
	Options   map[string]any
}

// RunResult is the terminal outcome the gateway reports back.
type RunResult struct {
	Result    any
	Artifacts map[string]any
}

// Runner executes one request to completion. The serve wiring backs it
// with the planner and orchestrator.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req RunRequest) (*RunResult, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	return f(ctx, req)
}

// SessionStore is the slice of the session log the gateway needs to bind
// tasks to sessions.
type SessionStore interface {
	Create(sessionID, userID string) (*sessionlog.Metadata, error)
	Get(sessionID string) (*sessionlog.Metadata, error)
	Append(sessionID string, ev sessionlog.Event) error
}

// Gateway owns the hub, the request pipeline, and the HTTP surface.
type Gateway struct {
	cfg      Config
	hub      *Hub
	runner   Runner
	sessions SessionStore
	events   eventbus.EventBus
	metrics  *metrics.Metrics
	logger   *logger.Logger
	upgrader websocket.Upgrader
	started  time.Time

	busSubs []eventbus.Subscription

	baseMu  sync.RWMutex
	baseCtx context.Context
}

// New creates a gateway. Sessions, events bus, and metrics may be nil;
// the corresponding features degrade to no-ops.
func New(cfg Config, runner Runner, sessions SessionStore, bus eventbus.EventBus, m *metrics.Metrics, log *logger.Logger) (*Gateway, error) {
	if runner == nil {
		return nil, errs.E(errs.KindValidation, "gateway.new", "a runner is required")
	}

	g := &Gateway{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		sessions: sessions,
		events:   bus,
		metrics:  m,
		logger:   log.WithFields(zap.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	g.hub = newHub(m, log)
	g.bridgeBroadcasts()
	return g, nil
}

// Routes mounts /ws, /healthz, and /metrics.
func (g *Gateway) Routes(router *gin.Engine) {
	router.GET("/ws", g.handleWS)
	router.GET("/healthz", g.handleHealthz)
	if g.metrics != nil {
		router.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	}
}

// Run drives the hub and the heartbeat sweep until the context ends.
func (g *Gateway) Run(ctx context.Context) {
	g.baseMu.Lock()
	g.baseCtx = ctx
	g.baseMu.Unlock()

	go g.sweepLoop(ctx)
	g.hub.Run(ctx)

	for _, sub := range g.busSubs {
		_ = sub.Unsubscribe()
	}
}

// Hub exposes the connection hub, mainly for health reporting.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// taskContext roots task execution in the gateway's lifetime so shutdown
// cancels in-flight work.
func (g *Gateway) taskContext() context.Context {
	g.baseMu.RLock()
	defer g.baseMu.RUnlock()
	if g.baseCtx != nil {
		return g.baseCtx
	}
	return context.Background()
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.hub.sweepStale(g.cfg.PongWait); n > 0 {
				g.logger.Info("heartbeat sweep terminated clients", zap.Int("count", n))
			}
		}
	}
}

// bridgeBroadcasts forwards substrate-wide bus events to every connected
// client.
func (g *Gateway) bridgeBroadcasts() {
	if g.events == nil {
		return
	}
	for _, subject := range []string{events.KnowledgeCreated, events.ConsolidationCompleted} {
		sub, err := g.events.Subscribe(subject, func(_ context.Context, ev *eventbus.Event) error {
			frame, err := ws.NewEvent(ev.Type, ev.Data)
			if err != nil {
				return err
			}
			g.hub.Broadcast(frame)
			return nil
		})
		if err != nil {
			g.logger.Warn("broadcast subscription failed", zap.String("subject", subject), zap.Error(err))
			continue
		}
		g.busSubs = append(g.busSubs, sub)
	}
}

func (g *Gateway) handleWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, g)
	g.hub.Register(client)
	client.setState(StateConnected)

	g.logger.Debug("client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.writePump()

	if welcome, err := ws.NewEvent("connected", map[string]any{"clientId": client.ID}); err == nil {
		client.Send(welcome)
	}
	client.setState(StateIdle)

	client.readPump()
}

func (g *Gateway) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(g.started).Round(time.Second).String(),
		"connections": g.hub.ClientCount(),
	})
}

// dispatch routes one inbound frame by envelope type.
func (g *Gateway) dispatch(c *Client, msg *ws.Message) {
	switch msg.Type {
	case ws.MessageTypePing:
		c.touch()
		c.Send(ws.NewPong(msg.ID))
	case ws.MessageTypePong:
		c.touch()
	case ws.MessageTypeRequest:
		g.handleRequest(c, msg)
	default:
		c.Send(ws.NewError(msg.ID, "bad_request", fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

// handleRequest validates, rate limits, binds a session, acknowledges with
// a pending response, and hands the task to a goroutine.
func (g *Gateway) handleRequest(c *Client, msg *ws.Message) {
	if g.metrics != nil {
		g.metrics.GatewayRequests.Inc()
	}

	var req ws.RequestPayload
	if msg.Payload == nil || msg.ParsePayload(&req) != nil {
		c.Send(ws.NewError(msg.ID, "validation", "request payload is malformed"))
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		c.Send(ws.NewError(msg.ID, "validation", "request input is required"))
		return
	}

	if retryAfter, ok := c.reserve(); !ok {
		if g.metrics != nil {
			g.metrics.GatewayRateLimited.Inc()
		}
		c.logger.Debug("request rate limited", zap.Int("retry_after", retryAfter))
		c.Send(ws.NewRateLimited(msg.ID, retryAfter))
		return
	}

	taskID := uuid.New().String()
	sessionID, err := g.bindSession(c, req.SessionID)
	if err != nil {
		g.logger.Error("session binding failed", zap.Error(err))
		c.Send(ws.NewError(msg.ID, "internal", "session binding failed"))
		return
	}

	if pending, err := ws.NewResponse(msg.ID, ws.ResponsePayload{
		Status:    ws.TaskStatusPending,
		TaskID:    taskID,
		SessionID: sessionID,
	}); err == nil {
		c.Send(pending)
	}

	c.beginTask()
	go g.serveTask(c, msg.ID, taskID, sessionID, req)
}

// bindSession resolves the session for a request, creating one when the
// client has none and the request names none.
func (g *Gateway) bindSession(c *Client, requested string) (string, error) {
	sessionID := requested
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	if g.sessions != nil {
		if _, err := g.sessions.Get(sessionID); err != nil {
			if !errs.IsNotFound(err) {
				return "", err
			}
			if _, err := g.sessions.Create(sessionID, c.ID); err != nil && !errs.IsConflict(err) {
				return "", err
			}
		}
	}
	c.bindSession(sessionID)
	return sessionID, nil
}

// serveTask drives one request end to end: session bookkeeping, streamed
// progress, and the final response.
func (g *Gateway) serveTask(c *Client, reqID, taskID, sessionID string, req ws.RequestPayload) {
	defer c.endTask()

	ctx := context.WithValue(g.taskContext(), logger.SessionIDKey, sessionID)
	ctx = context.WithValue(ctx, logger.CorrelationIDKey, taskID)

	stop := g.streamTaskEvents(c, taskID)
	defer stop()

	g.appendSessionEvent(sessionID, sessionlog.EventTaskStarted, map[string]any{
		"task_id": taskID,
		"input":   req.Input,
	})

	if running, err := ws.NewResponse(reqID, ws.ResponsePayload{
		Status:    ws.TaskStatusRunning,
		TaskID:    taskID,
		SessionID: sessionID,
	}); err == nil {
		c.Send(running)
	}

	start := time.Now()
	out, err := g.runner.Run(ctx, RunRequest{
		TaskID:    taskID,
		SessionID: sessionID,
		Input:     req.Input,
		AgentType: req.AgentType,
		Workspace: req.Workspace,
		Options:   req.Options,
	})
	if err != nil {
		status := ws.TaskStatusFailed
		if errors.Is(err, context.Canceled) {
			status = ws.TaskStatusCancelled
		}
		g.logger.Warn("task failed",
			zap.String("task_id", taskID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		g.finishTask(c, reqID, ws.ResponsePayload{
			Status:    status,
			TaskID:    taskID,
			SessionID: sessionID,
			Error:     err.Error(),
		}, sessionlog.EventTaskFailed, map[string]any{"task_id": taskID, "error": err.Error()})
		return
	}

	payload := ws.ResponsePayload{
		Status:    ws.TaskStatusCompleted,
		TaskID:    taskID,
		SessionID: sessionID,
		Progress:  100,
	}
	if out != nil {
		payload.Result = out.Result
		payload.Artifacts = out.Artifacts
	}
	g.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.Duration("duration", time.Since(start)))
	g.finishTask(c, reqID, payload, sessionlog.EventTaskCompleted, map[string]any{"task_id": taskID})
}

// finishTask records the terminal session event and sends the final
// response. The append comes first so a client that has observed the
// final frame can already read the session record.
func (g *Gateway) finishTask(c *Client, reqID string, payload ws.ResponsePayload, eventType string, data map[string]any) {
	g.appendSessionEvent(payload.SessionID, eventType, data)
	if resp, err := ws.NewResponse(reqID, payload); err == nil {
		c.Send(resp)
	}
	if g.metrics != nil {
		g.metrics.GatewayResponses.WithLabelValues(string(payload.Status)).Inc()
	}
}

func (g *Gateway) appendSessionEvent(sessionID, eventType string, data map[string]any) {
	if g.sessions == nil || sessionID == "" {
		return
	}
	if err := g.sessions.Append(sessionID, sessionlog.Event{Type: eventType, Data: data}); err != nil {
		g.logger.Warn("session event append failed",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
