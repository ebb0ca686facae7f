package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

// client is one connection. Only writePump writes to ws.
type client struct {
	hub     *Hub
	address string
	ws      *websocket.Conn
	send    chan []byte

	once sync.Once
}

// HubOption tunes a Hub.
type HubOption func(*Hub)

// WithKeepalive overrides the pong deadline; pings go out at 9/10 of it.
func WithKeepalive(wait time.Duration) HubOption {
	return func(h *Hub) {
		h.pongWait = wait
		h.pingPeriod = (wait * 9) / 10
	}
}

// Hub is a WebSocket endpoint; clients connect with ?address=0x... and
// receive the notifications for that address. Notify never blocks on a
// client: each connection has a buffered queue drained by its own writer,
// and a client whose queue is full is dropped.
type Hub struct {
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	pongWait   time.Duration
	pingPeriod time.Duration

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:     logger.With(zap.String("component", "notify_hub")),
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		clients:    make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request, registers the client and starts its
// reader and writer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	address := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("address")))
	if address == "" {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Missing address"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	c := &client{hub: h, address: address, ws: ws, send: make(chan []byte, sendBuffer)}
	h.add(c)
	h.logger.Debug("Client connected", zap.String("address", address))

	go c.writePump()
	c.readPump()
}

// readPump discards client messages and keeps the read deadline moving on
// every pong. A client that stops answering pings is dropped.
func (c *client) readPump() {
	defer c.hub.drop(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and pings. It exits when send is closed
// or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("Failed to deliver notification",
					zap.String("address", c.address), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.address]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.address] = set
	}
	set[c] = struct{}{}
}

// drop unregisters c and stops its writer. Safe to call more than once.
func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		set := h.clients[c.address]
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.address)
		}
		close(c.send)
		h.mu.Unlock()
		h.logger.Debug("Client disconnected", zap.String("address", c.address))
	})
}

// Connected returns the number of open connections for address.
func (h *Hub) Connected(address string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[strings.ToLower(address)])
}

// Notify queues msg for every connection of address. A recipient without an
// open connection is not an error.
func (h *Hub) Notify(_ context.Context, address string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients[strings.ToLower(address)] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow notification client",
			zap.String("address", c.address),
			zap.String("type", string(msg.Type)))
		h.drop(c)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.drop(c)
	}
}
