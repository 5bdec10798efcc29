package gateway

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/pkg/ws"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// sendBuffer is the per-client outbound frame buffer.
	sendBuffer = 256
)

// ClientState tracks where a connection sits in its lifecycle.
type ClientState string

const (
	StateConnecting ClientState = "connecting"
	StateConnected  ClientState = "connected"
	StateIdle       ClientState = "idle"
	StateServing    ClientState = "serving"
	StateClosed     ClientState = "closed"
)

// Client is one WebSocket connection managed by the hub.
type Client struct {
	ID string

	conn    *websocket.Conn
	gw      *Gateway
	send    chan []byte
	limiter *rate.Limiter
	logger  *logger.Logger

	mu        sync.Mutex
	state     ClientState
	sessionID string
	active    int
	lastPong  time.Time
}

func newClient(id string, conn *websocket.Conn, gw *Gateway) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		gw:       gw,
		send:     make(chan []byte, sendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(gw.cfg.RateRPS), gw.cfg.RateBurst),
		logger:   gw.logger.WithFields(zap.String("client_id", id)),
		state:    StateConnecting,
		lastPong: time.Now(),
	}
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session currently bound to the client.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) bindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// beginTask moves the client to serving for the duration of a request.
func (c *Client) beginTask() {
	c.mu.Lock()
	c.active++
	if c.state != StateClosed {
		c.state = StateServing
	}
	c.mu.Unlock()
}

// endTask returns the client to idle once its last task finishes.
func (c *Client) endTask() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	if c.active == 0 && c.state == StateServing {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// touch records proof of liveness from the peer.
func (c *Client) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// LastPong reports when the client last proved liveness.
func (c *Client) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// reserve consumes one rate-limit token. On denial it returns the retry
// hint in whole seconds.
func (c *Client) reserve() (int, bool) {
	res := c.limiter.Reserve()
	delay := res.Delay()
	if delay == 0 {
		return 0, true
	}
	res.Cancel()
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter, false
}

// Send marshals and queues one frame. Frames to a closed or saturated
// client are dropped.
func (c *Client) Send(msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// closeSend flips the client to closed and closes the send channel. The
// hub calls this exactly once per client; enqueue holds the same lock, so
// no frame can race the close.
func (c *Client) closeSend() {
	c.mu.Lock()
	c.state = StateClosed
	close(c.send)
	c.mu.Unlock()
}

// readPump reads frames until the connection dies and hands them to the
// gateway dispatcher. It owns unregistration.
func (c *Client) readPump() {
	defer func() {
		c.gw.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.gw.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection closed unexpectedly", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping frame that is not valid JSON", zap.Error(err))
			c.Send(ws.NewError("", "bad_request", "frame is not valid JSON"))
			continue
		}
		c.gw.dispatch(c, &msg)
	}
}

// writePump flushes queued frames and keeps the connection alive with
// pings. It exits when the send channel closes or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(data)

			// Fold frames that queued up in the meantime into the same
			// write, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
