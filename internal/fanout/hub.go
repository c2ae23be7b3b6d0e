// Package fanout pushes relay events to live WebSocket clients. Delivery is best effort:
// nothing is buffered for clients that are not connected or cannot keep up.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/relay/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Envelope is the frame written to clients. Device telemetry arrives in Data as the payload
// string, or as a BinaryPayload when the payload is not valid UTF-8 (see Payload).
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	EmittedAt time.Time `json:"emitted_at"`
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Relay

	// AppCtx closes every session when cancelled.
	AppCtx context.Context

	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	AllowAllOrigins bool
}

type session struct {
	conn   *websocket.Conn
	filter string
	send   chan []byte
	hub    *Hub
}

// Hub tracks connected sessions and broadcasts events to them.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.Relay
	appCtx   context.Context
	upgrader websocket.Upgrader
	maxConns int
	sendSize int

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

func New(cfg Config) *Hub {
	h := &Hub{
		logger:   cfg.Logger.WithGroup("fanout"),
		metrics:  cfg.Metrics,
		appCtx:   cfg.AppCtx,
		maxConns: cfg.MaxConnections,
		sendSize: cfg.SendBufferSize,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
	}
	if h.appCtx == nil {
		h.appCtx = context.Background()
	}
	if h.sendSize <= 0 {
		h.sendSize = 256
	}
	if cfg.AllowAllOrigins {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

// Clients returns the number of connected sessions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// wants reports whether a session filtered on filter receives event. Events that are not
// device topics (status events) reach every session.
func wants(filter, event string) bool {
	if filter == "" || !strings.HasPrefix(event, "/") {
		return true
	}
	return filter == event
}

// Emit queues the event for every interested session and returns how many got it. A session
// whose send buffer is full misses the event.
func (h *Hub) Emit(event string, data any) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.sessions) == 0 {
		return 0
	}

	message, err := json.Marshal(Envelope{Event: event, Data: data, EmittedAt: time.Now().UTC()})
	if err != nil {
		h.logger.Error("failed to marshal live event", "event", event, "error", err)
		return 0
	}

	queued := 0
	for s := range h.sessions {
		if !wants(s.filter, event) {
			continue
		}
		select {
		case s.send <- message:
			queued++
		default:
			if h.metrics != nil {
				h.metrics.FanoutDropped.Inc()
			}
			h.logger.Warn("client send buffer full, event dropped", "event", event, "remote_addr", s.conn.RemoteAddr().String())
		}
	}
	return queued
}

// ServeHTTP upgrades the request to a WebSocket session. The optional "topic" query
// parameter limits device events to that topic.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxConns > 0 && h.Clients() >= h.maxConns {
		h.logger.Warn("max live connections reached, rejecting", "max", h.maxConns)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade live connection", "error", err)
		return
	}

	s := &session{
		conn:   conn,
		filter: r.URL.Query().Get("topic"),
		send:   make(chan []byte, h.sendSize),
		hub:    h,
	}
	if !h.register(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.sessions) >= h.maxConns {
		h.mu.Unlock()
		h.logger.Warn("max live connections reached after upgrade", "max", h.maxConns)
		return false
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.FanoutClients.Set(float64(n))
	}
	h.logger.Info("live client connected", "remote_addr", s.conn.RemoteAddr().String(), "topic", s.filter, "clients", n)
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	close(s.send)
	n := len(h.sessions)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.FanoutClients.Set(float64(n))
	}
	h.logger.Info("live client disconnected", "remote_addr", s.conn.RemoteAddr().String(), "clients", n)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		h.unregister(s)
	}
}

// readPump discards client frames and keeps the pong deadline fresh. It owns unregistration.
func (s *session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("live client read error", "remote_addr", s.conn.RemoteAddr().String(), "error", err)
			}
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.logger.Debug("live client write error", "remote_addr", s.conn.RemoteAddr().String(), "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.hub.appCtx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
			return
		}
	}
}
