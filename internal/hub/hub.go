// Package hub fans decoded vendor frames out to websocket clients that
// subscribed to the frame's device.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fleet-tracker/internal/link"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/telemetry"
)

const (
	sendQueue  = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *client) subscribed(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[deviceID]
	return ok
}

type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Hub{
		logger:   logger.With("component", "hub"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueue),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	observability.HubClients.Inc()
	h.logger.Info("client attached", "client", c.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.writeLoop(c, done)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	close(done)
	observability.HubClients.Dec()
	h.logger.Info("client detached", "client", c.id)
}

func (h *Hub) readLoop(c *client) {
	defer c.conn.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl link.Control
		if err := json.Unmarshal(msg, &ctl); err != nil || ctl.DeviceID == "" {
			h.logger.Warn("invalid control frame", "client", c.id, "payload", string(msg))
			continue
		}

		c.mu.Lock()
		switch ctl.Action {
		case link.ActionSubscribe:
			c.subs[ctl.DeviceID] = struct{}{}
		case link.ActionUnsubscribe:
			delete(c.subs, ctl.DeviceID)
		default:
			h.logger.Warn("unknown control action", "client", c.id, "action", ctl.Action)
		}
		c.mu.Unlock()
		h.logger.Debug("control frame", "client", c.id, "action", ctl.Action, "device", ctl.DeviceID)
	}
}

func (h *Hub) writeLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("write failed", "client", c.id, "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Publish delivers frame to every client subscribed to frame.IMEI and
// returns how many clients it was queued for.
func (h *Hub) Publish(frame telemetry.VendorFrame) int {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal frame", "imei", frame.IMEI, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if !c.subscribed(frame.IMEI) {
			continue
		}
		select {
		case c.send <- payload:
			n++
		default:
			observability.HubDropped.Inc()
			h.logger.Warn("client too slow, frame dropped", "client", c.id, "imei", frame.IMEI)
		}
	}
	return n
}

// Subscribers counts clients currently subscribed to deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.subscribed(deviceID) {
			n++
		}
	}
	return n
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
