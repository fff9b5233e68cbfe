package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blockhaven/world/internal/auth"
	"github.com/blockhaven/world/internal/performance"
	"github.com/blockhaven/world/internal/protocol"
	"github.com/blockhaven/world/internal/world"
)

const (
	// Default ping interval (30 seconds)
	defaultPingInterval = 30 * time.Second

	// Pong wait timeout (60 seconds)
	pongWait = 60 * time.Second

	// Write timeout (10 seconds)
	writeTimeout = 10 * time.Second

	maxMessageSize = 64 * 1024
)

// WebSocketConnection is one upgraded connection and the world session it drives.
type WebSocketConnection struct {
	conn    *websocket.Conn
	session *world.Session
	hub     *WebSocketHub
}

// WebSocketHub tracks live connections so they can be counted and closed on shutdown.
type WebSocketHub struct {
	connections map[*WebSocketConnection]bool
	register    chan *WebSocketConnection
	unregister  chan *WebSocketConnection
	done        chan struct{}
	mu          sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		connections: make(map[*WebSocketConnection]bool),
		register:    make(chan *WebSocketConnection),
		unregister:  make(chan *WebSocketConnection),
		done:        make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then closes every
// remaining connection.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = true
			h.mu.Unlock()
			log.Printf("WebSocket connection registered: %s level=%s", conn.session.Username, conn.session.Level)

		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			log.Printf("WebSocket connection unregistered: %s", conn.session.Username)

		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.connections {
				_ = conn.conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds conn to the hub. It reports false once the hub has stopped.
func (h *WebSocketHub) Register(conn *WebSocketConnection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes conn from the hub. It never blocks after shutdown.
func (h *WebSocketHub) Unregister(conn *WebSocketConnection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Count returns the number of registered connections.
func (h *WebSocketHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WebSocketHandlers upgrades /ws requests into world sessions.
type WebSocketHandlers struct {
	hub      *WebSocketHub
	world    *world.Service
	tokens   *auth.TokenService
	profiler *performance.Profiler
	upgrader websocket.Upgrader
}

// NewWebSocketHandlers creates a new WebSocket handlers instance
func NewWebSocketHandlers(hub *WebSocketHub, svc *world.Service, tokens *auth.TokenService, origins *OriginPolicy, profiler *performance.Profiler) *WebSocketHandlers {
	return &WebSocketHandlers{
		hub:      hub,
		world:    svc,
		tokens:   tokens,
		profiler: profiler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin:       origins.CheckWebSocket,
		},
	}
}

// HandleWebSocket handles GET /ws?level=<level>
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	if err := h.world.CheckLevel(level); err != nil {
		respondWithError(w, http.StatusNotFound, "UnknownLevel", err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	session, err := h.world.Subscribe(r.Context(), level)
	if err != nil {
		log.Printf("WebSocket subscribe failed: %v", err)
		writeDirect(conn, protocol.ErrorMessage{Type: protocol.TypeError, Error: "Failed to join level", Code: "SubscribeFailed"})
		_ = conn.Close()
		return
	}

	welcome := session.Welcome()
	if h.tokens != nil {
		token, err := h.tokens.Issue(session.Username, session.ID, session.Level)
		if err != nil {
			log.Printf("WebSocket token issue failed for %s: %v", session.Username, err)
		}
		welcome.Token = token
	}

	// Written before the pumps start so it precedes anything already queued.
	writeDirect(conn, welcome)

	wsConn := &WebSocketConnection{conn: conn, session: session, hub: h.hub}
	session.Announce()

	if !h.hub.Register(wsConn) {
		session.Close()
		_ = conn.Close()
		return
	}

	go wsConn.writePump()
	go wsConn.readPump(h)
}

// writeDirect writes one message before the pumps are running.
func writeDirect(conn *websocket.Conn, v any) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		log.Printf("Failed to write message: %v", err)
	}
}

// readPump handles incoming messages from the WebSocket connection
func (c *WebSocketConnection) readPump(handlers *WebSocketHandlers) {
	defer func() {
		c.hub.Unregister(c)
		c.session.Close()
		if err := c.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.Printf("Failed to close connection: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		msgType, err := protocol.DecodeType(messageBytes)
		if err != nil {
			c.sendError("Invalid message format", "InvalidMessageFormat")
			continue
		}
		handlers.handleMessage(c, msgType, messageBytes)
	}
}

// writePump drains the session queue onto the socket, one frame per message.
func (c *WebSocketConnection) writePump() {
	ticker := time.NewTicker(defaultPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	outbound := c.session.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Printf("Failed to set write deadline: %v", err)
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Printf("Failed to set write deadline for ping: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketConnection) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return
	}
	if !c.session.Enqueue(b) {
		log.Printf("Failed to queue message for %s: channel full", c.session.Username)
	}
}

// sendError sends an error message to the client
func (c *WebSocketConnection) sendError(errorMsg, code string) {
	c.sendJSON(protocol.ErrorMessage{Type: protocol.TypeError, Error: errorMsg, Code: code})
}

// handleMessage routes messages to appropriate handlers
func (h *WebSocketHandlers) handleMessage(conn *WebSocketConnection, msgType string, raw []byte) {
	switch msgType {
	case protocol.TypePing:
		conn.sendJSON(map[string]string{"type": protocol.TypePong})
	case protocol.TypeWorldStateRequest:
		h.handleWorldStateRequest(conn, raw)
	case protocol.TypePlayerMove:
		h.handlePlayerMove(conn, raw)
	case protocol.TypeSubscribeRegions:
		h.handleSubscribeRegions(conn, raw)
	default:
		conn.sendError("Unknown message type", "UnknownMessageType")
	}
}

func (h *WebSocketHandlers) handleWorldStateRequest(conn *WebSocketConnection, raw []byte) {
	var req protocol.WorldStateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.sendError("Invalid world-state-request", "InvalidMessageFormat")
		return
	}

	op := h.profiler.Start("ws.world_state")
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	state, err := conn.session.WorldState(ctx, req.ChunkX, req.ChunkZ)
	cancel()
	op.Done(err)
	if err != nil {
		log.Printf("[World] chunk %d,%d for %s: %v", req.ChunkX, req.ChunkZ, conn.session.Username, err)
		conn.sendError("Failed to load chunk", "ChunkLoadFailed")
		return
	}
	conn.sendJSON(state)
}

func (h *WebSocketHandlers) handlePlayerMove(conn *WebSocketConnection, raw []byte) {
	var req protocol.PlayerMove
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.sendError("Invalid player-move", "InvalidMessageFormat")
		return
	}
	conn.session.Move(req.Position)
}

func (h *WebSocketHandlers) handleSubscribeRegions(conn *WebSocketConnection, raw []byte) {
	var req protocol.SubscribeRegions
	if err := json.Unmarshal(raw, &req); err != nil {
		conn.sendError("Invalid subscribe-regions", "InvalidMessageFormat")
		return
	}
	ack, err := conn.session.SubscribeRegions(req.Regions)
	if err != nil {
		conn.sendError(err.Error(), protocol.CodeInvalidSubscription)
		return
	}
	conn.sendJSON(ack)
}
