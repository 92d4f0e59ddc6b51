package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowboard/flowboard/internal/slogging"
)

// ClientState tracks the lifecycle of one connection. Transitions are
// Connecting -> Active -> Closed; Closed is terminal.
type ClientState int32

const (
	ClientStateConnecting ClientState = iota
	ClientStateActive
	ClientStateClosed
)

const (
	// Maximum inbound frame size. Diagram bodies ride in these frames, so
	// the limit is well above cursor/chat traffic.
	maxMessageSize = 512 * 1024
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

// WebSocketHub maintains the diagram rooms and relays events between the
// sessions connected to each of them.
type WebSocketHub struct {
	// Rooms by diagram ID
	rooms map[string]*DiagramRoom
	mu    sync.RWMutex

	diagrams DiagramStore
	sessions SessionStore
	router   *MessageRouter

	// broadcaster fans frames out to room members; the default keeps
	// everything in-process, the redis implementation bridges instances.
	broadcaster Broadcaster
}

// DiagramRoom is the set of clients currently collaborating on one
// diagram.
type DiagramRoom struct {
	// Diagram ID
	DiagramID string
	// Connected clients
	clients map[*WebSocketClient]bool
	// Last activity timestamp
	lastActivity time.Time
	mu           sync.RWMutex
}

// WebSocketClient represents one connected participant
type WebSocketClient struct {
	hub  *WebSocketHub
	room *DiagramRoom
	conn *websocket.Conn

	// Opaque, globally unique session identifier
	SessionID string
	// Optional participant identity
	User *string

	// Buffered channel of outbound frames; a single writer goroutine
	// drains it, which preserves per-client delivery order
	send chan []byte
	// Closed exactly once when the client shuts down
	done chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
}

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a new hub backed by the given stores
func NewWebSocketHub(diagrams DiagramStore, sessions SessionStore) *WebSocketHub {
	hub := &WebSocketHub{
		rooms:    make(map[string]*DiagramRoom),
		diagrams: diagrams,
		sessions: sessions,
		router:   NewMessageRouter(),
	}
	hub.broadcaster = NewLocalBroadcaster(hub)
	return hub
}

// SetBroadcaster replaces the default in-process broadcaster. Must be
// called before any client connects.
func (h *WebSocketHub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

// getOrCreateRoom returns the room for a diagram, creating it on first join
func (h *WebSocketHub) getOrCreateRoom(diagramID string) *DiagramRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[diagramID]; ok {
		room.touch()
		return room
	}

	room := &DiagramRoom{
		DiagramID:    diagramID,
		clients:      make(map[*WebSocketClient]bool),
		lastActivity: time.Now().UTC(),
	}
	h.rooms[diagramID] = room
	slogging.Get().Debug("Room created: diagram_id=%s", diagramID)
	return room
}

// Room returns the room for a diagram if one exists
func (h *WebSocketHub) Room(diagramID string) (*DiagramRoom, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[diagramID]
	return room, ok
}

// Members returns a snapshot of the session IDs connected to a diagram's
// room, for diagnostics and tests
func (h *WebSocketHub) Members(diagramID string) []string {
	room, ok := h.Room(diagramID)
	if !ok {
		return nil
	}
	room.mu.RLock()
	defer room.mu.RUnlock()

	members := make([]string, 0, len(room.clients))
	for client := range room.clients {
		members = append(members, client.SessionID)
	}
	return members
}

// Join adds a client to its diagram room, records the collaboration
// session, and announces the arrival to the other members. Idempotent per
// client.
func (h *WebSocketHub) Join(client *WebSocketClient) {
	// Re-resolve the room under the hub lock: the one the client was
	// allocated against may have been reclaimed in the meantime
	h.mu.Lock()
	room, ok := h.rooms[client.room.DiagramID]
	if !ok {
		room = client.room
		h.rooms[room.DiagramID] = room
	}
	client.room = room
	h.mu.Unlock()

	room.mu.Lock()
	already := room.clients[client]
	room.clients[client] = true
	room.lastActivity = time.Now().UTC()
	room.mu.Unlock()

	if already {
		return
	}

	client.state.Store(int32(ClientStateActive))
	metricActiveSessions.Inc()

	// Session record is best-effort; a failure never blocks the join
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sessions.Create(ctx, client.SessionID, room.DiagramID, client.User); err != nil {
		slogging.Get().Debug("Could not record collaboration session: session_id=%s, error=%v", client.SessionID, err)
	}

	h.Broadcast(room.DiagramID, mustMarshal(PresenceEvent{
		Type:      EventTypeUserJoined,
		Message:   "A user joined the collaboration",
		SessionID: client.SessionID,
	}), client.SessionID)

	slogging.Get().Info("Client joined: session_id=%s, diagram_id=%s", client.SessionID, room.DiagramID)
}

// leave removes a client from its room; empty rooms are reclaimed
func (h *WebSocketHub) leave(client *WebSocketClient) {
	room := client.room

	room.mu.Lock()
	delete(room.clients, client)
	empty := len(room.clients) == 0
	room.mu.Unlock()

	if empty {
		h.mu.Lock()
		if r, ok := h.rooms[room.DiagramID]; ok && r == room {
			delete(h.rooms, room.DiagramID)
		}
		h.mu.Unlock()
		slogging.Get().Debug("Room reclaimed: diagram_id=%s", room.DiagramID)
	}
}

// Broadcast delivers a frame to every member of a diagram's room except
// the session named by excludeSessionID (empty string excludes nobody)
func (h *WebSocketHub) Broadcast(diagramID string, frame []byte, excludeSessionID string) {
	if err := h.broadcaster.Publish(diagramID, frame, excludeSessionID); err != nil {
		slogging.Get().Error("Broadcast failed: diagram_id=%s, error=%v", diagramID, err)
	}
}

// deliverLocal fans a frame out to the local members of a room. Members
// whose send buffer is full are evicted rather than blocking the room.
func (h *WebSocketHub) deliverLocal(diagramID string, frame []byte, excludeSessionID string) {
	room, ok := h.Room(diagramID)
	if !ok {
		return
	}

	room.mu.RLock()
	targets := make([]*WebSocketClient, 0, len(room.clients))
	for client := range room.clients {
		if excludeSessionID != "" && client.SessionID == excludeSessionID {
			continue
		}
		targets = append(targets, client)
	}
	room.mu.RUnlock()

	for _, client := range targets {
		client.Send(frame)
	}
}

// CleanupIdleRooms reclaims rooms that have been empty or inactive for
// the given duration. Members of an idle room are disconnected rather
// than orphaned: closing the last one reclaims the room through leave,
// so a departing member's user_left is never dropped and a later join
// gets a fresh room. A reclaimed room never blocks future joins.
func (h *WebSocketHub) CleanupIdleRooms(maxIdle time.Duration) {
	cutoff := time.Now().UTC().Add(-maxIdle)

	h.mu.Lock()
	var idleClients []*WebSocketClient
	for diagramID, room := range h.rooms {
		room.mu.RLock()
		idle := room.lastActivity.Before(cutoff)
		empty := len(room.clients) == 0
		if idle && !empty {
			for client := range room.clients {
				idleClients = append(idleClients, client)
			}
		}
		room.mu.RUnlock()

		if empty {
			delete(h.rooms, diagramID)
			slogging.Get().Debug("Idle room removed: diagram_id=%s", diagramID)
		}
	}
	h.mu.Unlock()

	// Close outside the hub lock: teardown re-enters leave, which takes
	// the hub lock to reclaim the emptied room
	for _, client := range idleClients {
		slogging.Get().Info("Disconnecting idle client: session_id=%s, diagram_id=%s",
			client.SessionID, client.room.DiagramID)
		client.Close()
	}
}

// StartCleanupTimer periodically reclaims idle rooms until ctx is done
func (h *WebSocketHub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupIdleRooms(15 * time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every connected client
func (h *WebSocketHub) Shutdown() {
	h.mu.RLock()
	var clients []*WebSocketClient
	for _, room := range h.rooms {
		room.mu.RLock()
		for client := range room.clients {
			clients = append(clients, client)
		}
		room.mu.RUnlock()
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.Close()
	}
}

func (r *DiagramRoom) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now().UTC()
	r.mu.Unlock()
}

// HandleWS upgrades the connection and runs the client's pumps. The route
// carries the diagram ID; identity is optional and comes from the bearer
// token middleware when present.
func (h *WebSocketHub) HandleWS(c *gin.Context) {
	diagramID := c.Param("id")

	var user *string
	if identity, ok := c.Get("user_identity"); ok {
		if name, ok := identity.(string); ok && name != "" {
			user = &name
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Error("Failed to upgrade connection: %v", err)
		return
	}

	client := h.NewClient(diagramID, user, conn)
	h.Join(client)

	go client.WritePump()
	go client.ReadPump()
}

// NewClient allocates a client with a fresh session identifier, attached
// to the room for diagramID but not yet joined
func (h *WebSocketHub) NewClient(diagramID string, user *string, conn *websocket.Conn) *WebSocketClient {
	client := &WebSocketClient{
		hub:       h,
		room:      h.getOrCreateRoom(diagramID),
		conn:      conn,
		SessionID: uuid.New().String(),
		User:      user,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
	client.state.Store(int32(ClientStateConnecting))
	return client
}

// State returns the client's lifecycle state
func (c *WebSocketClient) State() ClientState {
	return ClientState(c.state.Load())
}

// Send queues a frame for this client only. Closed clients are skipped;
// a full buffer evicts the client instead of blocking the caller.
func (c *WebSocketClient) Send(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		slogging.Get().Warn("Evicting slow client: session_id=%s", c.SessionID)
		c.Close()
	}
}

// Close tears the client down: it leaves the room, ends the session
// record, announces the departure, and closes the connection. Safe to
// call from any path (read error, shutdown, eviction); the teardown runs
// exactly once.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ClientStateClosed))
		metricActiveSessions.Dec()

		c.hub.leave(c)
		close(c.done)
		_ = c.conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.hub.sessions.End(ctx, c.SessionID); err != nil {
			slogging.Get().Debug("Could not end collaboration session: session_id=%s, error=%v", c.SessionID, err)
		}

		c.hub.Broadcast(c.room.DiagramID, mustMarshal(PresenceEvent{
			Type:      EventTypeUserLeft,
			Message:   "A user left the collaboration",
			SessionID: c.SessionID,
		}), c.SessionID)

		slogging.Get().Info("Client closed: session_id=%s, diagram_id=%s", c.SessionID, c.room.DiagramID)
	})
}

// ReadPump pumps inbound frames from the connection into the router
func (c *WebSocketClient) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slogging.Get().Debug("WebSocket read error: session_id=%s, error=%v", c.SessionID, err)
			}
			return
		}
		c.room.touch()
		// Routing failures are reported to the sender inside the router;
		// no inbound frame ever terminates the session
		c.hub.router.Route(c.hub, c, message)
	}
}

// WritePump pumps frames from the send channel to the connection. One
// frame per websocket message; the channel's FIFO order is the delivery
// order.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
