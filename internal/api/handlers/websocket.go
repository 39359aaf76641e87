// Package handlers provides HTTP request handlers for the reconmap API.
// This file implements the WebSocket endpoint that streams dispatcher
// notifications: command output, command lifecycle, inventory changes and
// status lines.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/reconmap/internal/dispatcher"
	"github.com/anstrom/reconmap/internal/logging"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast and per-client buffers
)

var knownEventTypes = map[dispatcher.EventType]bool{
	dispatcher.EventOutput:         true,
	dispatcher.EventCommandStarted: true,
	dispatcher.EventCommandDone:    true,
	dispatcher.EventInventory:      true,
	dispatcher.EventStatus:         true,
}

// WebSocketHandler fans dispatcher notifications out to WebSocket clients.
// Notifications the hub could not queue are counted, not retried.
type WebSocketHandler struct {
	logger      *logging.Logger
	upgrader    websocket.Upgrader
	unsubscribe func()

	clients    map[*wsClient]bool
	broadcast  chan dispatcher.Notification
	register   chan *wsClient
	unregister chan *wsClient
	shutdown   chan struct{}
	once       sync.Once
	mutex      sync.RWMutex
	dropped    atomic.Int64
}

// wsClient is one connected peer. Only the hub goroutine closes send.
type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[dispatcher.EventType]bool
}

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// NewWebSocketHandler creates the hub and subscribes it to d.
func NewWebSocketHandler(d *dispatcher.Dispatcher, logger *logging.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger: logger.WithComponent("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is guarded by keys or loopback binding, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan dispatcher.Notification, bufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		shutdown:   make(chan struct{}),
	}

	// The listener runs on the dispatcher goroutine and must not block.
	h.unsubscribe = d.Subscribe(func(n dispatcher.Notification) {
		select {
		case h.broadcast <- n:
		default:
			h.dropped.Add(1)
		}
	})

	go h.run()
	return h
}

// parseEventTypes reads the comma separated ?types filter. No filter means
// every type.
func parseEventTypes(raw string) (map[dispatcher.EventType]bool, error) {
	types := make(map[dispatcher.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := dispatcher.EventType(part)
		if !knownEventTypes[t] {
			return nil, fmt.Errorf("unknown event type: %s", part)
		}
		types[t] = true
	}
	return types, nil
}

// Events handles GET /ws?types=output,inventory.
func (h *WebSocketHandler) Events(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	types, err := parseEventTypes(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	h.logger.Info("New WebSocket connection", "request_id", requestID, "remote_addr", r.RemoteAddr)

	c := &wsClient{conn: conn, send: make(chan []byte, bufferSize), types: types}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}

	go h.writePump(c, requestID)
	h.readPump(c, requestID)
}

// run manages client connections and broadcasts.
func (h *WebSocketHandler) run() {
	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mutex.Unlock()
			h.logger.Debug("WebSocket handler shutting down")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("Client registered", "total_clients", total)

		case c := <-h.unregister:
			h.mutex.Lock()
			if h.clients[c] {
				close(c.send)
				delete(h.clients, c)
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("Client unregistered", "total_clients", total)

		case n := <-h.broadcast:
			h.broadcastToClients(n)
		}
	}
}

// broadcastToClients queues n for every client that wants its type. A
// client whose buffer is full is disconnected.
func (h *WebSocketHandler) broadcastToClients(n dispatcher.Notification) {
	data, err := json.Marshal(WebSocketMessage{
		Type:      string(n.Type),
		Timestamp: n.Time.UTC(),
		Data:      n,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal notification")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for c := range h.clients {
		if len(c.types) > 0 && !c.types[n.Type] {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Client too slow, closing connection")
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// readPump drains the connection so control frames are processed. Client
// messages are ignored.
func (h *WebSocketHandler) readPump(c *wsClient, requestID string) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		if err := c.conn.Close(); err != nil {
			h.logger.Debug("Error closing connection in readPump", "request_id", requestID, "error", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Error("Failed to set read deadline", "request_id", requestID, "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the connection and pings the
// peer.
func (h *WebSocketHandler) writePump(c *wsClient, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("Write failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Dropped returns how many notifications were discarded because the hub
// was behind.
func (h *WebSocketHandler) Dropped() int64 {
	return h.dropped.Load()
}

// Shutdown unsubscribes from the dispatcher and disconnects every client.
// It is safe to call more than once.
func (h *WebSocketHandler) Shutdown() {
	h.once.Do(func() {
		h.unsubscribe()
		close(h.shutdown)
	})
}
