package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/events"
)

// Message types exchanged with stream clients.
const (
	MessageTypeEvent     = "event"
	MessageTypeSubscribe = "subscribe"
	MessageTypeStatus    = "status"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// ErrBroadcastFull is returned when the hub cannot accept another event.
var ErrBroadcastFull = errors.New("broadcast channel full")

// Message is the envelope written to and read from stream clients.
type Message struct {
	Type       string        `json:"type"`
	Event      *events.Event `json:"event,omitempty"`
	ProjectIDs []string      `json:"project_ids,omitempty"`
	Status     string        `json:"status,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Manager streams registry events to WebSocket clients
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	hub         *Hub
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	closeOnce   sync.Once
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	Caller       string
	ProjectIDs   []string
	Conn         *websocket.Conn
	Send         chan Message
	LastActivity time.Time
	UserAgent    string
	IPAddress    string
	mu           sync.Mutex
}

// wants reports whether the connection subscribed to projectID. A connection
// without a filter receives everything.
func (c *Connection) wants(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ProjectIDs) == 0 {
		return true
	}
	for _, id := range c.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// Hub owns the set of live connections and is the only closer of Send channels.
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan events.Event
	direct      chan directMessage
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
	logger      *zap.Logger
}

type directMessage struct {
	conn *Connection
	msg  Message
}

// NewManager creates a new WebSocket manager. An empty allowedOrigins accepts
// any origin.
func NewManager(logger *zap.Logger, allowedOrigins []string) *Manager {
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan events.Event, 256),
		direct:      make(chan directMessage, 16),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
		logger:      logger,
	}

	go hub.run()

	return &Manager{
		connections: make(map[string]*Connection),
		hub:         hub,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// HandleConnection upgrades the request and starts streaming events to it.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, caller string, projectIDs []string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		Caller:       caller,
		ProjectIDs:   projectIDs,
		Conn:         conn,
		Send:         make(chan Message, 256),
		LastActivity: time.Now(),
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
	}

	select {
	case m.hub.register <- connection:
	case <-m.hub.stop:
		conn.Close()
		return nil, errors.New("stream manager closed")
	}

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

// readPump applies subscription updates and detects dead peers.
func (m *Manager) readPump(conn *Connection) {
	defer m.drop(conn)

	ws := conn.Conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		conn.touch()
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn("Stream connection closed unexpectedly",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		conn.touch()
		m.handleMessage(conn, &msg)
	}
}

// drop unregisters conn from the hub and the manager and closes the socket.
func (m *Manager) drop(conn *Connection) {
	select {
	case m.hub.unregister <- conn:
	case <-m.hub.stop:
	}
	m.mu.Lock()
	delete(m.connections, conn.ID)
	m.mu.Unlock()
	conn.Conn.Close()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

// writePump is the only writer to the socket. It drains Send and keeps the
// peer alive with pings.
func (m *Manager) writePump(conn *Connection) {
	ws := conn.Conn
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer ws.Close()

	for {
		select {
		case msg, open := <-conn.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				m.logger.Debug("Stream write failed", zap.String("connection_id", conn.ID), zap.Error(err))
				return
			}
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) handleMessage(conn *Connection, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		conn.mu.Lock()
		conn.ProjectIDs = append([]string(nil), msg.ProjectIDs...)
		conn.mu.Unlock()
		m.hub.deliver(conn, Message{
			Type:       MessageTypeStatus,
			Status:     "subscribed",
			ProjectIDs: msg.ProjectIDs,
			Timestamp:  time.Now(),
		})
	default:
		m.logger.Debug("Unknown stream message type", zap.String("type", msg.Type))
	}
}

// deliver hands msg to the hub goroutine, which alone writes to Send.
func (h *Hub) deliver(conn *Connection, msg Message) {
	select {
	case h.direct <- directMessage{conn: conn, msg: msg}:
	case <-h.stop:
	}
}

// run runs the hub in its own goroutine
func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true
			h.logger.Info("Stream connection registered",
				zap.String("connection_id", conn.ID),
				zap.String("caller", conn.Caller))

		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.Send)
				h.logger.Info("Stream connection unregistered", zap.String("connection_id", conn.ID))
			}

		case d := <-h.direct:
			if _, ok := h.connections[d.conn]; ok {
				select {
				case d.conn.Send <- d.msg:
				default:
					h.logger.Warn("Stream connection buffer full", zap.String("connection_id", d.conn.ID))
				}
			}

		case e := <-h.broadcast:
			msg := Message{Type: MessageTypeEvent, Event: &e, Timestamp: time.Now()}
			for conn := range h.connections {
				if !conn.wants(e.ProjectID) && e.ProjectID != "" {
					continue
				}
				select {
				case conn.Send <- msg:
				default:
					close(conn.Send)
					delete(h.connections, conn)
				}
			}

		case <-h.stop:
			for conn := range h.connections {
				close(conn.Send)
				delete(h.connections, conn)
			}
			return
		}
	}
}

// Name implements events.Sink.
func (m *Manager) Name() string { return "websocket" }

// Write implements events.Sink by queueing e for every interested connection.
func (m *Manager) Write(_ context.Context, e events.Event) error {
	select {
	case m.hub.broadcast <- e:
		return nil
	default:
		return ErrBroadcastFull
	}
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// ConnectionInfo represents connection information for monitoring
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	Caller       string    `json:"caller"`
	ProjectIDs   []string  `json:"project_ids"`
	LastActivity time.Time `json:"last_activity"`
	UserAgent    string    `json:"user_agent"`
	IPAddress    string    `json:"ip_address"`
}

// GetConnectionInfo returns information about all active connections
func (m *Manager) GetConnectionInfo() []ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := make([]ConnectionInfo, 0, len(m.connections))
	for _, conn := range m.connections {
		conn.mu.Lock()
		info = append(info, ConnectionInfo{
			ConnectionID: conn.ID,
			Caller:       conn.Caller,
			ProjectIDs:   append([]string(nil), conn.ProjectIDs...),
			LastActivity: conn.LastActivity,
			UserAgent:    conn.UserAgent,
			IPAddress:    conn.IPAddress,
		})
		conn.mu.Unlock()
	}
	return info
}

// Close stops the hub and closes every connection
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.hub.stop)

		m.mu.Lock()
		for _, conn := range m.connections {
			conn.Conn.Close()
		}
		m.connections = make(map[string]*Connection)
		m.mu.Unlock()
	})
}
