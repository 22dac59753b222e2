package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/edgeprobe/internal/discovery"
	"github.com/anstrom/edgeprobe/internal/metrics"
	"github.com/anstrom/edgeprobe/internal/monitor"
	"github.com/anstrom/edgeprobe/internal/scanning"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10 // must be < pongWait
	maxMessageSize  = 512
	broadcastBuffer = 256
	clientBuffer    = 64
)

// Message types sent to WebSocket clients.
const (
	MessageCycleCompleted = "cycle_completed"
	MessageCycleProgress  = "cycle_progress"
	MessageScanCompleted  = "scan_completed"
	MessageSystem         = "system"
)

// WebSocketMessage is the envelope of every pushed update.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// CycleMessage is the payload of a cycle_completed update.
type CycleMessage struct {
	Summary monitor.CycleSummary `json:"summary"`
	Best    *scanning.Record     `json:"best,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans monitor and discovery events out to WebSocket clients.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.PrometheusMetrics
	upgrader websocket.Upgrader

	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	shutdown   chan struct{}
	stopped    chan struct{}
	closeOnce  sync.Once

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub and starts its dispatch goroutine. Close stops it.
func NewHub(logger *slog.Logger, pm *metrics.PrometheusMetrics, allowedOrigins []string) *Hub {
	h := &Hub{
		logger:  logger.With("handler", "websocket"),
		metrics: pm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, broadcastBuffer),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go h.run()
	return h
}

// originChecker allows same-origin requests, requests without an Origin
// header and the listed origins. "*" allows every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// Serve upgrades the request and streams updates until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}
	h.logger.Debug("WebSocket client connected", "request_id", requestID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Publish queues an update for every client. It never blocks; when the
// queue is full the update is dropped and an error returned.
func (h *Hub) Publish(msgType string, data interface{}) error {
	payload, err := json.Marshal(WebSocketMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msgType, err)
	}

	select {
	case <-h.shutdown:
		return fmt.Errorf("websocket hub is closed")
	default:
	}
	select {
	case h.broadcast <- payload:
		return nil
	default:
		h.logger.Warn("Broadcast queue full, dropping message", "type", msgType)
		return fmt.Errorf("broadcast queue full")
	}
}

// PublishCycle pushes a finished cycle. It matches the monitor's cycle
// observer signature.
func (h *Hub) PublishCycle(summary monitor.CycleSummary, records []scanning.Record) {
	msg := CycleMessage{Summary: summary}
	for i := range records {
		if msg.Best == nil || records[i].DownloadSpeed > msg.Best.DownloadSpeed {
			msg.Best = &records[i]
		}
	}
	_ = h.Publish(MessageCycleCompleted, msg)
}

// PublishProgress pushes live cycle progress.
func (h *Hub) PublishProgress(p monitor.Progress) {
	_ = h.Publish(MessageCycleProgress, p)
}

// PublishScan pushes a finished discovery scan.
func (h *Hub) PublishScan(outcome discovery.ScanOutcome) {
	_ = h.Publish(MessageScanCompleted, outcome)
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		<-h.stopped
		h.logger.Info("WebSocket hub closed")
	})
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.shutdown:
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("WebSocket client too slow, disconnecting")
					h.drop(c)
				}
			}
		}
	}
}

// drop removes c; closing its send queue makes the write pump hang up.
// Only run calls it.
func (h *Hub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *Hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebSocketClients(len(h.clients))
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.shutdown:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("WebSocket write failed", "error", err)
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
