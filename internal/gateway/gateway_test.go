package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/internal/common/errs"
	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/events"
	eventbus "github.com/evoagent/evoagent/internal/events/bus"
	"github.com/evoagent/evoagent/internal/memory/sessionlog"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/pkg/ws"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// swapRunner lets a test install its runner after the harness is built,
// so the runner closure can reach the harness bus.
type swapRunner struct {
	mu sync.Mutex
	fn Runner
}

func (s *swapRunner) set(r Runner) {
	s.mu.Lock()
	s.fn = r
	s.mu.Unlock()
}

func (s *swapRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &RunResult{}, nil
	}
	return fn.Run(ctx, req)
}

func okRunner(result any, artifacts map[string]any) Runner {
	return RunnerFunc(func(context.Context, RunRequest) (*RunResult, error) {
		return &RunResult{Result: result, Artifacts: artifacts}, nil
	})
}

type gatewayHarness struct {
	gw       *Gateway
	bus      *eventbus.MemoryEventBus
	sessions *sessionlog.Log
	srv      *httptest.Server
}

func newHarness(t *testing.T, cfg Config, runner Runner) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := newTestLogger(t)
	bus := eventbus.NewMemoryEventBus(log)
	sessions, err := sessionlog.New(t.TempDir(), log, nil)
	require.NoError(t, err)

	gw, err := New(cfg, runner, sessions, bus, metrics.New(), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gw.Run(ctx)
		close(done)
	}()

	router := gin.New()
	gw.Routes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		bus.Close()
	})
	return &gatewayHarness{gw: gw, bus: bus, sessions: sessions, srv: srv}
}

// frameReader yields frames one at a time, splitting batched writes.
type frameReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (h *gatewayHarness) dial(t *testing.T) *frameReader {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &frameReader{conn: conn}
}

func (h *gatewayHarness) onlyClient(t *testing.T) *Client {
	t.Helper()
	h.gw.hub.mu.RLock()
	defer h.gw.hub.mu.RUnlock()
	require.Len(t, h.gw.hub.clients, 1)
	for c := range h.gw.hub.clients {
		return c
	}
	return nil
}

func (r *frameReader) next(t *testing.T) *ws.Message {
	t.Helper()
	for len(r.pending) == 0 {
		require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := r.conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(part) > 0 {
				r.pending = append(r.pending, part)
			}
		}
	}
	raw := r.pending[0]
	r.pending = r.pending[1:]
	var msg ws.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func (r *frameReader) send(t *testing.T, msg *ws.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, r.conn.WriteMessage(websocket.TextMessage, data))
}

// expectConnected consumes the welcome event every connection starts with
// and returns the assigned client id.
func (r *frameReader) expectConnected(t *testing.T) string {
	t.Helper()
	msg := r.next(t)
	require.Equal(t, ws.MessageTypeEvent, msg.Type)
	var ev ws.EventPayload
	require.NoError(t, msg.ParsePayload(&ev))
	require.Equal(t, "connected", ev.Event)
	clientID, _ := ev.Data["clientId"].(string)
	require.NotEmpty(t, clientID)
	return clientID
}

func (r *frameReader) expectResponse(t *testing.T, wantID string, wantStatus ws.TaskStatus) ws.ResponsePayload {
	t.Helper()
	msg := r.next(t)
	require.Equal(t, ws.MessageTypeResponse, msg.Type, "unexpected frame %+v", msg)
	require.Equal(t, wantID, msg.ID)
	var resp ws.ResponsePayload
	require.NoError(t, msg.ParsePayload(&resp))
	require.Equal(t, wantStatus, resp.Status)
	return resp
}

func (r *frameReader) expectError(t *testing.T, wantID, wantCode string) *ws.ErrorBody {
	t.Helper()
	msg := r.next(t)
	require.Equal(t, ws.MessageTypeError, msg.Type, "unexpected frame %+v", msg)
	require.Equal(t, wantID, msg.ID)
	require.NotNil(t, msg.Error)
	require.Equal(t, wantCode, msg.Error.Code)
	return msg.Error
}

func requestFrame(t *testing.T, id string, payload ws.RequestPayload) *ws.Message {
	t.Helper()
	msg, err := ws.NewRequest(id, payload)
	require.NoError(t, err)
	return msg
}

func TestConnectSendsClientID(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	fr := h.dial(t)

	clientID := fr.expectConnected(t)
	assert.NotEmpty(t, clientID)
	assert.Equal(t, 1, h.gw.Hub().ClientCount())
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, ws.NewPing("p-1"))
	msg := fr.next(t)
	require.Equal(t, ws.MessageTypePong, msg.Type)
	assert.Equal(t, "p-1", msg.ID)
}

func TestRequestLifecycle(t *testing.T) {
	h := newHarness(t, Config{}, okRunner(
		map[string]any{"output": "done"},
		map[string]any{"files": []any{"header.tsx"}},
	))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "Add a button to the header"}))

	pending := fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	require.NotEmpty(t, pending.TaskID)
	require.NotEmpty(t, pending.SessionID)

	running := fr.expectResponse(t, "req-1", ws.TaskStatusRunning)
	assert.Equal(t, pending.TaskID, running.TaskID)

	final := fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, map[string]any{"output": "done"}, final.Result)
	assert.Equal(t, map[string]any{"files": []any{"header.tsx"}}, final.Artifacts)

	sess, err := h.sessions.Load(pending.SessionID)
	require.NoError(t, err)
	var types []string
	for _, ev := range sess.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, sessionlog.EventTaskStarted)
	assert.Contains(t, types, sessionlog.EventTaskCompleted)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "   "}))
	fr.expectError(t, "req-1", "validation")

	fr.send(t, &ws.Message{Type: ws.MessageTypeRequest, ID: "req-2"})
	fr.expectError(t, "req-2", "validation")

	fr.send(t, &ws.Message{Type: "subscribe", ID: "req-3"})
	fr.expectError(t, "req-3", "bad_request")
}

func TestRateLimitDeniesWithRetryHint(t *testing.T) {
	h := newHarness(t, Config{RateRPS: 1, RateBurst: 1}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "first"}))
	fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)

	fr.send(t, requestFrame(t, "req-2", ws.RequestPayload{Input: "second"}))
	denied := fr.expectError(t, "req-2", "rate_limited")
	assert.GreaterOrEqual(t, denied.RetryAfter, 1)
}

func TestSessionBinding(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "first"}))
	first := fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)

	// Same connection reuses the bound session.
	fr.send(t, requestFrame(t, "req-2", ws.RequestPayload{Input: "second"}))
	second := fr.expectResponse(t, "req-2", ws.TaskStatusPending)
	assert.Equal(t, first.SessionID, second.SessionID)
	fr.expectResponse(t, "req-2", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-2", ws.TaskStatusCompleted)

	// An explicit session id wins and is created on demand.
	fr.send(t, requestFrame(t, "req-3", ws.RequestPayload{Input: "third", SessionID: "sess-custom"}))
	third := fr.expectResponse(t, "req-3", ws.TaskStatusPending)
	assert.Equal(t, "sess-custom", third.SessionID)
	fr.expectResponse(t, "req-3", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-3", ws.TaskStatusCompleted)

	meta, err := h.sessions.Get("sess-custom")
	require.NoError(t, err)
	assert.Equal(t, sessionlog.StatusActive, meta.Status)
}

func TestRunnerFailureSendsFailedResponse(t *testing.T) {
	h := newHarness(t, Config{}, RunnerFunc(func(context.Context, RunRequest) (*RunResult, error) {
		return nil, errors.New("model exploded")
	}))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "break things"}))
	pending := fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)

	final := fr.expectResponse(t, "req-1", ws.TaskStatusFailed)
	assert.Equal(t, "model exploded", final.Error)

	sess, err := h.sessions.Load(pending.SessionID)
	require.NoError(t, err)
	var failed *sessionlog.Event
	for i := range sess.Events {
		if sess.Events[i].Type == sessionlog.EventTaskFailed {
			failed = &sess.Events[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, pending.TaskID, failed.Data["task_id"])
	assert.Equal(t, "model exploded", failed.Data["error"])
}

func TestStreamsTaskProgress(t *testing.T) {
	runner := &swapRunner{}
	h := newHarness(t, Config{}, runner)
	runner.set(RunnerFunc(func(ctx context.Context, req RunRequest) (*RunResult, error) {
		for i := 1; i <= 2; i++ {
			ev := eventbus.NewEvent(events.TaskProgress, "orchestrator", map[string]any{
				"step_id":   fmt.Sprintf("step-%d", i),
				"status":    "completed",
				"completed": i,
				"total":     2,
			})
			subject := events.BuildTaskSubject(events.TaskProgress, req.TaskID)
			if err := h.bus.Publish(ctx, subject, ev); err != nil {
				return nil, err
			}
		}
		return &RunResult{Result: "done"}, nil
	}))

	fr := h.dial(t)
	fr.expectConnected(t)
	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "two step plan"}))

	fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)

	for i := 1; i <= 2; i++ {
		msg := fr.next(t)
		require.Equal(t, ws.MessageTypeEvent, msg.Type)
		var ev ws.EventPayload
		require.NoError(t, msg.ParsePayload(&ev))
		assert.Equal(t, "progress", ev.Event)
		assert.Equal(t, fmt.Sprintf("step-%d", i), ev.Data["step_id"])
		assert.Equal(t, float64(2), ev.Data["total"])
	}

	fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)
}

func TestStreamsToolEventsForOwnRunsOnly(t *testing.T) {
	runner := &swapRunner{}
	h := newHarness(t, Config{}, runner)
	runner.set(RunnerFunc(func(ctx context.Context, req RunRequest) (*RunResult, error) {
		publish := func(runID, typ string, data map[string]any) error {
			data["run_id"] = runID
			data["agent_kind"] = "codewriter"
			ev := eventbus.NewEvent(typ, "runtime:codewriter", data)
			return h.bus.Publish(ctx, events.BuildRunEventSubject(runID), ev)
		}

		// A run belonging to another task must not leak into this stream.
		if err := publish("run-other", "start", map[string]any{
			"data": map[string]any{"task_id": "unrelated"},
		}); err != nil {
			return nil, err
		}
		if err := publish("run-other", "tool_call", map[string]any{"tool": "secret"}); err != nil {
			return nil, err
		}

		if err := publish("run-1", "start", map[string]any{
			"data": map[string]any{"task_id": req.TaskID},
		}); err != nil {
			return nil, err
		}
		if err := publish("run-1", "tool_call", map[string]any{
			"data": map[string]any{"tool": "skill"},
		}); err != nil {
			return nil, err
		}
		return &RunResult{Result: "done"}, nil
	}))

	fr := h.dial(t)
	fr.expectConnected(t)
	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "use a tool"}))

	fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)

	var toolCalls int
	for {
		msg := fr.next(t)
		if msg.Type == ws.MessageTypeResponse {
			var resp ws.ResponsePayload
			require.NoError(t, msg.ParsePayload(&resp))
			require.Equal(t, ws.TaskStatusCompleted, resp.Status)
			break
		}
		require.Equal(t, ws.MessageTypeEvent, msg.Type)
		var ev ws.EventPayload
		require.NoError(t, msg.ParsePayload(&ev))
		require.Equal(t, "tool_call", ev.Event)
		assert.Equal(t, "run-1", ev.Data["run_id"])
		toolCalls++
	}
	assert.Equal(t, 1, toolCalls)
}

func TestBroadcastBridgesKnowledgeEvents(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	first := h.dial(t)
	second := h.dial(t)
	first.expectConnected(t)
	second.expectConnected(t)

	ev := eventbus.NewEvent(events.KnowledgeCreated, "consolidation", map[string]any{
		"title": "Retry budgets for flaky providers",
	})
	require.NoError(t, h.bus.Publish(context.Background(), events.KnowledgeCreated, ev))

	for _, fr := range []*frameReader{first, second} {
		msg := fr.next(t)
		require.Equal(t, ws.MessageTypeEvent, msg.Type)
		var payload ws.EventPayload
		require.NoError(t, msg.ParsePayload(&payload))
		assert.Equal(t, events.KnowledgeCreated, payload.Event)
		assert.Equal(t, "Retry budgets for flaky providers", payload.Data["title"])
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))

	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Uptime      string `json:"uptime"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Uptime)
	assert.Equal(t, 0, body.Connections)

	fr := h.dial(t)
	fr.expectConnected(t)

	resp2, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, 1, body.Connections)
}

func TestMetricsExposition(t *testing.T) {
	h := newHarness(t, Config{}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "count me"}))
	fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "evoagent_gateway_connections 1")
	assert.Contains(t, text, "evoagent_gateway_requests_total 1")
	assert.Contains(t, text, `evoagent_gateway_responses_total{status="completed"} 1`)
}

func TestHeartbeatSweepTerminatesSilentClients(t *testing.T) {
	h := newHarness(t, Config{PingPeriod: 30 * time.Millisecond, PongWait: 75 * time.Millisecond}, okRunner("ok", nil))
	fr := h.dial(t)
	fr.expectConnected(t)
	require.Equal(t, 1, h.gw.Hub().ClientCount())

	// The dialer only answers pings while reading. Going silent makes the
	// pong arrivals lag past the deadline.
	require.Eventually(t, func() bool {
		return h.gw.Hub().ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientStateMachine(t *testing.T) {
	gate := make(chan struct{})
	runner := &swapRunner{}
	runner.set(RunnerFunc(func(ctx context.Context, req RunRequest) (*RunResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return &RunResult{Result: "ok"}, nil
	}))
	h := newHarness(t, Config{}, runner)

	fr := h.dial(t)
	fr.expectConnected(t)
	client := h.onlyClient(t)

	require.Eventually(t, func() bool {
		return client.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	fr.send(t, requestFrame(t, "req-1", ws.RequestPayload{Input: "slow work"}))
	fr.expectResponse(t, "req-1", ws.TaskStatusPending)
	require.Eventually(t, func() bool {
		return client.State() == StateServing
	}, time.Second, 5*time.Millisecond)

	close(gate)
	fr.expectResponse(t, "req-1", ws.TaskStatusRunning)
	fr.expectResponse(t, "req-1", ws.TaskStatusCompleted)
	require.Eventually(t, func() bool {
		return client.State() == StateIdle
	}, time.Second, 5*time.Millisecond)

	fr.conn.Close()
	require.Eventually(t, func() bool {
		return client.State() == StateClosed && h.gw.Hub().ClientCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), got)

	tight := Config{PingPeriod: 40 * time.Second, PongWait: 10 * time.Second}.withDefaults()
	assert.Equal(t, 80*time.Second, tight.PongWait)
}

func TestNewRequiresRunner(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, nil, newTestLogger(t))
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}
