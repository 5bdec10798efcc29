package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evoagent/evoagent/internal/common/logger"
	"github.com/evoagent/evoagent/internal/metrics"
	"github.com/evoagent/evoagent/pkg/ws"
)

// Hub tracks the connected clients and fans broadcast frames out to them.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func newHub(m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run processes registrations and broadcasts until the context ends, then
// closes every remaining client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer h.logger.Info("hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case data := <-h.broadcast:
			h.fanOut(data)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues one frame for every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.GatewayConnections.Inc()
	}
	h.logger.Debug("client registered", zap.String("client_id", c.ID))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	c.closeSend()
	if h.metrics != nil {
		h.metrics.GatewayConnections.Dec()
	}
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

func (h *Hub) fanOut(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
		if h.metrics != nil {
			h.metrics.GatewayConnections.Dec()
		}
	}
}

// sweepStale force-closes connections whose pong arrivals lag beyond
// maxLag. This is the one place a connection is terminated instead of
// being allowed to drain.
func (h *Hub) sweepStale(maxLag time.Duration) int {
	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		if time.Since(c.LastPong()) > maxLag {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("heartbeat lapsed, terminating client",
			zap.String("client_id", c.ID),
			zap.Duration("lag", time.Since(c.LastPong())))
		c.conn.Close()
	}
	return len(stale)
}
