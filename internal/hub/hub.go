// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID         string // socket id
	SessionKey string // store key of the bound session
	Conn       *websocket.Conn
	Send       chan []byte
	hub        *Hub

	writeMu sync.Mutex
	stateMu sync.Mutex
	closed  bool
}

// Hub manages all WebSocket connections owned by this instance.
type Hub struct {
	// Connections indexed by socket id
	connections map[string]*Connection

	// Sessions maps session key to set of socket ids
	sessions map[string]map[string]bool

	unregister chan *Connection

	// Broadcast channel for sending to a specific session
	broadcast chan *SessionMessage

	sendBuffer int
	mu         sync.RWMutex
	done       chan struct{}
}

// SessionMessage is used to broadcast a message to a session.
type SessionMessage struct {
	SessionKey string
	Data       []byte
}

// NewHub creates a new Hub. sendBuffer bounds each connection's outbound
// queue.
func NewHub(sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]map[string]bool),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *SessionMessage, 256),
		sendBuffer:  sendBuffer,
		done:        make(chan struct{}),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	logger := log.With().Str("component", "hub").Logger()
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.SessionKey != "" && h.sessions[conn.SessionKey] != nil {
					delete(h.sessions[conn.SessionKey], conn.ID)
					if len(h.sessions[conn.SessionKey]) == 0 {
						delete(h.sessions, conn.SessionKey)
					}
				}
				conn.closeSend()
			}
			h.mu.Unlock()
			logger.Debug().Str("socket_id", conn.ID).Msg("connection unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.sessions[msg.SessionKey] {
				if conn, exists := h.connections[connID]; exists {
					if err := conn.enqueue(msg.Data); errors.Is(err, ErrBufferFull) {
						logger.Warn().Str("socket_id", connID).Msg("connection buffer full, closing")
						go h.Unregister(conn)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps ws for socketID bound to sessionKey. It is not
// registered until Register is called.
func (h *Hub) NewConnection(ws *websocket.Conn, socketID, sessionKey string) *Connection {
	return &Connection{
		ID:         socketID,
		SessionKey: sessionKey,
		Conn:       ws,
		Send:       make(chan []byte, h.sendBuffer),
		hub:        h,
	}
}

// Register registers a connection with the hub. The connection is
// addressable as soon as Register returns.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	if conn.SessionKey != "" {
		if h.sessions[conn.SessionKey] == nil {
			h.sessions[conn.SessionKey] = make(map[string]bool)
		}
		h.sessions[conn.SessionKey][conn.ID] = true
	}
	h.mu.Unlock()
	log.Debug().Str("component", "hub").Str("socket_id", conn.ID).Msg("connection registered")
}

// Unregister unregisters a connection from the hub and closes its outbound
// queue. Unregistering twice is harmless.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Lookup returns the live connection for socketID.
func (h *Hub) Lookup(socketID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[socketID]
	return conn, ok
}

// Close queues a final frame for socketID, if given, then closes it. It
// reports whether the socket was owned by this hub.
func (h *Hub) Close(socketID string, final []byte) bool {
	conn, ok := h.Lookup(socketID)
	if !ok {
		return false
	}
	if final != nil {
		_ = conn.enqueue(final)
	}
	h.Unregister(conn)
	return true
}

// CloseAll closes every connection, queueing final on each first.
func (h *Hub) CloseAll(final []byte) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if final != nil {
			_ = conn.enqueue(final)
		}
		h.Unregister(conn)
	}
	return len(conns)
}

// Broadcast sends a message to all connections of a session.
func (h *Hub) Broadcast(sessionKey string, data []byte) {
	select {
	case h.broadcast <- &SessionMessage{SessionKey: sessionKey, Data: data}:
	case <-h.done:
	}
}

// SendTo queues data on socketID. Frames queued on one socket are written
// in the order they were queued.
func (h *Hub) SendTo(socketID string, data []byte) error {
	conn, ok := h.Lookup(socketID)
	if !ok {
		return ErrNotConnected
	}
	return h.SendToConnection(conn, data)
}

// SendToConnection sends a message to a specific connection. A connection
// whose queue is full is closed, so its reader sees the socket end instead
// of a stream with frames missing.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	err := conn.enqueue(data)
	if errors.Is(err, ErrBufferFull) {
		log.Warn().Str("component", "hub").Str("socket_id", conn.ID).Msg("connection buffer full, closing")
		h.Unregister(conn)
	}
	return err
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// GetSessionCount returns the number of sessions with a live connection.
func (h *Hub) GetSessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// HasActiveConnections checks if a session has any active connections.
func (h *Hub) HasActiveConnections(sessionKey string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.sessions[sessionKey]
	return ok && len(connIDs) > 0
}

func (c *Connection) enqueue(data []byte) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Connection) closeSend() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

var (
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNotConnected is returned when the socket is gone.
	ErrNotConnected = errors.New("socket not connected")
)

// Publisher announces an eviction to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, socketID string) error
}

// Evictor closes a displaced socket, locally when this hub holds it and
// through remote otherwise.
type Evictor struct {
	hub    *Hub
	remote Publisher
	final  []byte
}

// NewEvictor creates an Evictor. remote may be nil on a single instance.
// final is queued on the socket before it closes.
func NewEvictor(h *Hub, remote Publisher, final []byte) *Evictor {
	return &Evictor{hub: h, remote: remote, final: final}
}

// Evict closes socketID.
func (e *Evictor) Evict(ctx context.Context, socketID string) error {
	if e.hub.Close(socketID, e.final) {
		log.Info().Str("component", "hub").Str("socket_id", socketID).Msg("evicted local connection")
		return nil
	}
	if e.remote == nil {
		return nil
	}
	return e.remote.Publish(ctx, socketID)
}

// CloseRemote handles an eviction announced by another instance.
func (e *Evictor) CloseRemote(socketID string) {
	if e.hub.Close(socketID, e.final) {
		log.Info().Str("component", "hub").Str("socket_id", socketID).Msg("evicted connection on remote request")
	}
}
