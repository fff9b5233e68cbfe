// Package client is the headless game client: it keeps a chunk cache around
// the player, streams chunks over the session socket and submits block edits
// through the batching and offline pipeline.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blockhaven/world/internal/chunkmap"
	"github.com/blockhaven/world/internal/protocol"
)

// ErrNotConnected is returned when a session operation needs a live socket.
var ErrNotConnected = errors.New("not connected")

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// A socket that stays silent for pongWait is treated as dead. The client
// pings every pingPeriod so a healthy server always has something to answer.
var (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Events receives server messages. Callbacks run on the connection's read
// loop, one at a time, and must not block for long.
type Events struct {
	WorldState func(protocol.WorldState)
	Broadcast  func(event string, data json.RawMessage)
	RegionsAck func(protocol.RegionsAck)
	Error      func(protocol.ErrorMessage)
}

// Conn is a session socket after a successful handshake.
type Conn struct {
	ws      *websocket.Conn
	welcome protocol.Connected
	events  Events

	pongWait   time.Duration
	pingPeriod time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// Dial opens the session socket for level and waits for the handshake.
func Dial(ctx context.Context, serverURL, level string, events Events) (*Conn, error) {
	wsURL, err := SocketURL(serverURL, level)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	var welcome protocol.Connected
	if err := ws.ReadJSON(&welcome); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if welcome.Type != protocol.TypeConnected || welcome.Username == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected handshake message %q", welcome.Type)
	}

	c := &Conn{
		ws:         ws,
		welcome:    welcome,
		events:     events,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		done:       make(chan struct{}),
	}
	if err := c.extendDeadline(); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	ws.SetPongHandler(func(string) error { return c.extendDeadline() })
	ws.SetPingHandler(func(data string) error {
		if err := c.extendDeadline(); err != nil {
			return err
		}
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// SocketURL turns an http(s) server base URL into the session socket URL.
func SocketURL(serverURL, level string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"level": {level}}.Encode()
	return u.String(), nil
}

// Welcome returns the handshake message.
func (c *Conn) Welcome() protocol.Connected { return c.welcome }

// Done is closed when the read loop stops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the read loop, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RequestChunk asks for the authoritative contents of a chunk.
func (c *Conn) RequestChunk(chunk chunkmap.ChunkCoord) error {
	return c.send(protocol.WorldStateRequest{Type: protocol.TypeWorldStateRequest, ChunkX: chunk.X, ChunkZ: chunk.Z})
}

// Move reports the player's position.
func (c *Conn) Move(pos protocol.Vec3) error {
	return c.send(protocol.PlayerMove{Type: protocol.TypePlayerMove, Position: pos})
}

// SubscribeRegions replaces the server-side region interest set.
func (c *Conn) SubscribeRegions(regions []chunkmap.RegionCoord) error {
	return c.send(protocol.SubscribeRegions{Type: protocol.TypeSubscribeRegions, Regions: regions})
}

// Ping sends an application-level ping; the reply is a pong message.
func (c *Conn) Ping() error {
	return c.send(map[string]string{"type": protocol.TypePing})
}

// Close sends a close frame and tears the socket down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.ws.Close()
	<-c.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

func (c *Conn) send(v any) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (c *Conn) extendDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err == nil {
			err = c.extendDeadline()
		}
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		c.dispatch(raw)
	}
}

// pingLoop keeps the server answering while the player is idle. A failed
// ping closes the socket, which ends the read loop.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Printf("[Session] ping failed: %v", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) dispatch(raw []byte) {
	msgType, err := protocol.DecodeType(raw)
	if err != nil {
		log.Printf("[Session] dropping malformed message: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeWorldState:
		var state protocol.WorldState
		if err := json.Unmarshal(raw, &state); err != nil {
			log.Printf("[Session] bad world-state: %v", err)
			return
		}
		if c.events.WorldState != nil {
			c.events.WorldState(state)
		}
	case protocol.TypeMessage:
		var msg protocol.Broadcast
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[Session] bad broadcast: %v", err)
			return
		}
		event, err := protocol.DecodeType(msg.Data)
		if err != nil {
			log.Printf("[Session] bad broadcast event: %v", err)
			return
		}
		if c.events.Broadcast != nil {
			c.events.Broadcast(event, msg.Data)
		}
	case protocol.TypeRegionsAck:
		var ack protocol.RegionsAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			log.Printf("[Session] bad regions-ack: %v", err)
			return
		}
		if c.events.RegionsAck != nil {
			c.events.RegionsAck(ack)
		}
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("[Session] bad error message: %v", err)
			return
		}
		if c.events.Error != nil {
			c.events.Error(msg)
		} else {
			log.Printf("[Session] server error %s: %s", msg.Code, msg.Error)
		}
	case protocol.TypePong:
	default:
		log.Printf("[Session] ignoring message type %q", msgType)
	}
}
