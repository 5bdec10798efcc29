package integration

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/evoagent/evoagent/pkg/ws"
)

// wsClient speaks the gateway protocol in tests. The hub batches writes,
// so frames are split on newlines and yielded one at a time.
type wsClient struct {
	conn    *websocket.Conn
	pending [][]byte
}

func dialStack(t *testing.T, s *testStack) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) next(t *testing.T) *ws.Message {
	t.Helper()
	for len(c.pending) == 0 {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			if len(part) > 0 {
				c.pending = append(c.pending, part)
			}
		}
	}
	raw := c.pending[0]
	c.pending = c.pending[1:]
	var msg ws.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func (c *wsClient) send(t *testing.T, msg *ws.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// expectConnected consumes the welcome frame and returns the client id.
func (c *wsClient) expectConnected(t *testing.T) string {
	t.Helper()
	msg := c.next(t)
	require.Equal(t, ws.MessageTypeEvent, msg.Type)
	var ev ws.EventPayload
	require.NoError(t, msg.ParsePayload(&ev))
	require.Equal(t, "connected", ev.Event)
	clientID, _ := ev.Data["clientId"].(string)
	require.NotEmpty(t, clientID)
	return clientID
}

// taskOutcome is everything one request produced: the terminal response
// plus the event frames streamed before it arrived.
type taskOutcome struct {
	Final  ws.ResponsePayload
	Events []ws.EventPayload
}

// runTask submits a request and reads frames until the terminal response,
// skipping the pending and running acknowledgements and collecting every
// streamed event along the way.
func (c *wsClient) runTask(t *testing.T, reqID string, payload ws.RequestPayload) *taskOutcome {
	t.Helper()
	msg, err := ws.NewRequest(reqID, payload)
	require.NoError(t, err)
	c.send(t, msg)

	out := &taskOutcome{}
	for {
		m := c.next(t)
		switch m.Type {
		case ws.MessageTypeResponse:
			require.Equal(t, reqID, m.ID)
			var resp ws.ResponsePayload
			require.NoError(t, m.ParsePayload(&resp))
			if resp.Status == ws.TaskStatusPending || resp.Status == ws.TaskStatusRunning {
				continue
			}
			out.Final = resp
			return out
		case ws.MessageTypeEvent:
			var ev ws.EventPayload
			require.NoError(t, m.ParsePayload(&ev))
			out.Events = append(out.Events, ev)
		case ws.MessageTypeError:
			t.Fatalf("unexpected error frame: %+v", m.Error)
		case ws.MessageTypePong:
			continue
		default:
			t.Fatalf("unexpected frame type %q", m.Type)
		}
	}
}

// stepProgress filters the plan-level progress frames. Step progress
// carries a step_id; the runtime progress of individual agent runs carries
// a run_id instead.
func (o *taskOutcome) stepProgress() []ws.EventPayload {
	var out []ws.EventPayload
	for _, ev := range o.Events {
		if ev.Event != "progress" {
			continue
		}
		if _, ok := ev.Data["step_id"]; ok {
			out = append(out, ev)
		}
	}
	return out
}

// runProgress filters the per-run progress frames emitted by the agent
// runtimes while a step executes.
func (o *taskOutcome) runProgress() []ws.EventPayload {
	var out []ws.EventPayload
	for _, ev := range o.Events {
		if ev.Event != "progress" {
			continue
		}
		if _, ok := ev.Data["step_id"]; ok {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// resultMap returns the final result as a map. JSON numbers arrive as
// float64, so asInt folds them back for assertions.
func (o *taskOutcome) resultMap(t *testing.T) map[string]any {
	t.Helper()
	m, ok := o.Final.Result.(map[string]any)
	require.True(t, ok, "result is %T, want map", o.Final.Result)
	return m
}

func asInt(t *testing.T, v any) int {
	t.Helper()
	f, ok := v.(float64)
	require.True(t, ok, "value is %T, want number", v)
	return int(f)
}
