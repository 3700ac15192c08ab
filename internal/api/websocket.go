package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/appwall/internal/events"
	"grimm.is/appwall/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin only, so a browser page elsewhere cannot read the stream.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// wsClient is one connected stream with its event-type filter.
type wsClient struct {
	conn   *websocket.Conn
	events <-chan events.Event
	done   chan struct{}

	mu    sync.RWMutex
	types map[events.EventType]bool // empty means every type
}

func (c *wsClient) wants(t events.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[t]
}

// WSManager streams hub events to websocket clients.
type WSManager struct {
	hub    *events.Hub
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// NewWSManager returns a manager that subscribes each client to hub.
func NewWSManager(hub *events.Hub, logger *logging.Logger) *WSManager {
	return &WSManager{
		hub:     hub,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (m *WSManager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Close disconnects every client.
func (m *WSManager) Close() {
	m.mu.Lock()
	m.closed = true
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(wsWriteWait))
		c.conn.Close()
	}
}

func (m *WSManager) add(c *wsClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.clients[c] = struct{}{}
	return true
}

func (m *WSManager) remove(c *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if ok {
		m.hub.Unsubscribe(c.events)
		close(c.done)
		c.conn.Close()
	}
}

// subscription is a client control message.
type subscription struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Types  []string `json:"types"`
}

// readPump applies subscription messages until the connection drops.
func (c *wsClient) readPump(m *WSManager) {
	defer m.remove(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscription
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, t := range msg.Types {
				c.types[events.EventType(t)] = true
			}
		case "unsubscribe":
			for _, t := range msg.Types {
				delete(c.types, events.EventType(t))
			}
		}
		c.mu.Unlock()
	}
}

// writePump forwards hub events and keeps the connection alive.
func (c *wsClient) writePump(m *WSManager) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		m.remove(c)
	}()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if !c.wants(ev.Type) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEventsWS upgrades to a websocket and streams change events. The
// optional types query parameter is a comma-separated initial filter.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		events: s.ws.hub.Subscribe(wsBuffer),
		done:   make(chan struct{}),
		types:  make(map[events.EventType]bool),
	}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			c.types[events.EventType(t)] = true
		}
	}
	if !s.ws.add(c) {
		s.ws.hub.Unsubscribe(c.events)
		conn.Close()
		return
	}

	go c.writePump(s.ws)
	go c.readPump(s.ws)
}
