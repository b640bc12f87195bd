package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsMaxMessage  = 4096
	wsSendBuffer  = 256
	wsEventBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventType represents the type of WebSocket event.
type EventType string

// Session events come from the coordinator, action events from telemetry.
// EventSwapSnapshot is sent once per session when a client subscribes to it.
const (
	EventSwapCreated   = EventType(swap.EventCreated)
	EventSwapStatus    = EventType(swap.EventStatusChanged)
	EventSwapError     = EventType(swap.EventError)
	EventSwapDestroyed = EventType(swap.EventDestroyed)
	EventSwapSnapshot  = EventType("swap_snapshot")

	EventSwapCommit = EventType(telemetry.EventCommit)
	EventSwapLock   = EventType(telemetry.EventLock)
	EventSwapRefund = EventType(telemetry.EventRefund)
)

// WSEvent is a WebSocket event message. Every swap event names its session.
type WSEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription narrows what a client receives. Events and Sessions are
// independent filters; an empty filter matches everything.
type WSSubscription struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Events   []string `json:"events,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
}

// snapshotFunc returns the current view of a session for new subscribers.
type snapshotFunc func(id string) (*swap.Snapshot, error)

// WSClient is one connected watcher.
type WSClient struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *WSHub
	snapshot snapshotFunc

	mu       sync.RWMutex
	events   map[EventType]bool
	sessions map[string]bool
}

func newWSClient(conn *websocket.Conn, hub *WSHub, snapshot snapshotFunc) *WSClient {
	return &WSClient{
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
		hub:      hub,
		snapshot: snapshot,
		events:   make(map[EventType]bool),
		sessions: make(map[string]bool),
	}
}

// WSHub fans swap events out to the clients watching them.
type WSHub struct {
	clients    map[*WSClient]bool
	events     chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		events:     make(chan *WSEvent, wsEventBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run delivers events until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Watcher connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("Watcher disconnected", "clients", n)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// drop removes c. Callers hold h.mu.
func (h *WSHub) drop(c *WSClient) {
	delete(h.clients, c)
	close(c.send)
}

func (h *WSHub) deliver(ev *WSEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("Dropping slow watcher", "session", ev.SessionID)
			h.drop(c)
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// Broadcast queues an event about a session for every client watching it.
func (h *WSHub) Broadcast(eventType EventType, sessionID string, data interface{}) {
	ev := &WSEvent{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn("Event queue full, dropping event", "type", eventType, "session", sessionID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS upgrades a watcher connection and registers it with the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(conn, s.wsHub, s.coordinator.Get)
	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.quit:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wants reports whether ev passes both of the client's filters.
func (c *WSClient) wants(ev *WSEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.events) > 0 && !c.events[ev.Type] {
		return false
	}
	return len(c.sessions) == 0 || c.sessions[ev.SessionID]
}

// apply updates the filters and returns the sessions newly watched.
func (c *WSClient) apply(sub *WSSubscription) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []string
	switch sub.Action {
	case "subscribe":
		for _, e := range sub.Events {
			c.events[EventType(e)] = true
		}
		for _, id := range sub.Sessions {
			if id != "" && !c.sessions[id] {
				c.sessions[id] = true
				added = append(added, id)
			}
		}
	case "unsubscribe":
		for _, e := range sub.Events {
			delete(c.events, EventType(e))
		}
		for _, id := range sub.Sessions {
			delete(c.sessions, id)
		}
	}
	return added
}

// sendSnapshots pushes the current state of newly watched sessions so the
// watcher does not wait for the next status change.
func (c *WSClient) sendSnapshots(ids []string) {
	if c.snapshot == nil {
		return
	}
	for _, id := range ids {
		snap, err := c.snapshot(id)
		if err != nil {
			c.hub.log.Debug("No snapshot for watched session", "session", id, "error", err)
			continue
		}
		c.hub.Broadcast(EventSwapSnapshot, id, snap)
	}
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			return
		}
		var sub WSSubscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.log.Debug("Ignoring malformed subscription", "error", err)
			continue
		}
		c.sendSnapshots(c.apply(&sub))
	}
}

// writePump writes one event per frame and keeps the connection alive.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
