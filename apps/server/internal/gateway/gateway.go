// Package gateway is the websocket edge: it upgrades connections, decodes
// the JSON event frames, validates identities and routes into matchmaking
// and live sessions. All game decisions happen behind it; the gateway only
// translates between sockets and the queue/session layer.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"race2048/apps/server/internal/codec"
	"race2048/apps/server/internal/identity"
	"race2048/apps/server/internal/queue"
	"race2048/apps/server/internal/session"
	"race2048/game2048"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The app is wallet-authenticated at the contract layer; the socket
	// itself accepts any origin like the upstream dev server did.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connection is one websocket client. An identity is bound to it by its
// first joinQueue.
type Connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	identity string
}

func (c *Connection) boundIdentity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) bindIdentity(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = addr
}

// Gateway owns all live connections and the identity routing table.
type Gateway struct {
	queue *queue.Manager
	coord *session.Coordinator

	mu         sync.RWMutex
	conns      map[string]*Connection // by connection id
	byIdentity map[string]*Connection
}

func New(coord *session.Coordinator) *Gateway {
	g := &Gateway{
		coord:      coord,
		conns:      make(map[string]*Connection),
		byIdentity: make(map[string]*Connection),
	}
	g.queue = queue.NewManager(g.handlePair)
	return g
}

// Queue exposes the matchmaking manager, mainly for tests.
func (g *Gateway) Queue() *queue.Manager { return g.queue }

// HandleWS is the /ws upgrade endpoint.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] upgrade failed: %v", err)
		return
	}
	c := &Connection{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
	log.Printf("[Gateway] connection %s open (%d total)", c.id, g.connCount())

	go g.writePump(c)
	go g.readPump(c)
}

func (g *Gateway) connCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) readPump(c *Connection) {
	defer g.unregister(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] connection %s read error: %v", c.id, err)
			}
			return
		}
		g.handleMessage(c, raw)
	}
}

func (g *Gateway) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// unregister tears the connection down: out of the routing tables, out of
// the queue, and its live session (if any) hears a disconnect.
func (g *Gateway) unregister(c *Connection) {
	addr := c.boundIdentity()

	g.mu.Lock()
	delete(g.conns, c.id)
	if addr != "" && g.byIdentity[addr] == c {
		delete(g.byIdentity, addr)
	}
	g.mu.Unlock()

	close(c.send)
	g.queue.RemoveHandle(c.id)
	if addr != "" {
		g.coord.Disconnect(addr)
	}
	log.Printf("[Gateway] connection %s closed (%d total)", c.id, g.connCount())
}

func (g *Gateway) handleMessage(c *Connection, raw []byte) {
	env, err := codec.Decode(raw)
	if err != nil {
		g.sendError(c, "malformed message")
		return
	}

	switch env.Event {
	case codec.EventJoinQueue:
		g.handleJoinQueue(c, env.Data)
	case codec.EventLeaveQueue:
		g.handleLeaveQueue(c)
	case codec.EventJoinRoom:
		g.handleJoinRoom(c, env.Data)
	case codec.EventMakeMove:
		g.handleMakeMove(c, env.Data)
	case codec.EventPlayerQuit:
		g.handlePlayerQuit(c, env.Data)
	default:
		g.sendError(c, "unknown event: "+env.Event)
	}
}

func (g *Gateway) handleJoinQueue(c *Connection, data json.RawMessage) {
	var req codec.JoinQueue
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "malformed joinQueue payload")
		return
	}
	addr, err := identity.Normalize(req.Address)
	if err != nil {
		g.sendError(c, "invalid wallet address")
		return
	}

	if g.coord.HasActive(addr) {
		g.sendError(c, "already in an active match")
		return
	}

	c.bindIdentity(addr)
	g.mu.Lock()
	if prev, ok := g.byIdentity[addr]; ok && prev != c {
		// The newest socket for an identity wins the routing slot.
		log.Printf("[Gateway] identity %s rebound from %s to %s", addr, prev.id, c.id)
	}
	g.byIdentity[addr] = c
	g.mu.Unlock()

	if err := g.queue.Join(addr, req.Stake, c.id); err != nil {
		switch {
		case errors.Is(err, queue.ErrAlreadyQueued):
			g.sendError(c, "already waiting in the queue")
		case errors.Is(err, queue.ErrInvalidStake):
			g.sendError(c, "stake must be positive")
		default:
			g.sendError(c, "could not join the queue")
		}
	}
}

func (g *Gateway) handleLeaveQueue(c *Connection) {
	if addr := c.boundIdentity(); addr != "" {
		g.queue.Leave(addr)
		return
	}
	g.queue.RemoveHandle(c.id)
}

func (g *Gateway) handleJoinRoom(c *Connection, data json.RawMessage) {
	var req codec.JoinRoom
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "malformed joinRoom payload")
		return
	}
	s, addr, ok := g.resolveSession(c, req.MatchID)
	if !ok {
		return
	}
	if err := s.JoinRoom(addr); err != nil {
		g.sendSessionError(c, err)
	}
}

func (g *Gateway) handleMakeMove(c *Connection, data json.RawMessage) {
	var req codec.MakeMove
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "malformed makeMove payload")
		return
	}
	dir, ok := game2048.ParseDirection(req.Direction)
	if !ok {
		g.sendError(c, "invalid direction: "+req.Direction)
		return
	}
	s, addr, ok := g.resolveSession(c, req.MatchID)
	if !ok {
		return
	}
	if err := s.ApplyMove(addr, dir); err != nil {
		g.sendSessionError(c, err)
	}
}

func (g *Gateway) handlePlayerQuit(c *Connection, data json.RawMessage) {
	var req codec.PlayerQuit
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(c, "malformed playerQuit payload")
		return
	}
	s, addr, ok := g.resolveSession(c, req.MatchID)
	if !ok {
		return
	}
	if err := s.Quit(addr); err != nil {
		g.sendSessionError(c, err)
	}
}

func (g *Gateway) resolveSession(c *Connection, matchID string) (*session.Session, string, bool) {
	addr := c.boundIdentity()
	if addr == "" {
		g.sendError(c, "join the queue before match operations")
		return nil, "", false
	}
	s, ok := g.coord.Get(matchID)
	if !ok {
		g.sendError(c, "unknown match: "+matchID)
		return nil, "", false
	}
	return s, addr, true
}

func (g *Gateway) sendSessionError(c *Connection, err error) {
	switch {
	case errors.Is(err, session.ErrStaleEvent):
		// Late frames for an ended match are normal; tell the client once.
		g.sendError(c, "match already ended")
	case errors.Is(err, session.ErrNotActive):
		g.sendError(c, "match is not active yet")
	case errors.Is(err, session.ErrNotParticipant):
		g.sendError(c, "not a participant of this match")
	case errors.Is(err, session.ErrBoardFinished):
		g.sendError(c, "no moves left on this board")
	default:
		log.Printf("[Gateway] session call failed: %v", err)
		g.sendError(c, "internal error")
	}
}

// handlePair is the queue's callback: it spins up a session for the two
// oldest entries of a bucket.
func (g *Gateway) handlePair(p1, p2 queue.Entry, stake int64) {
	if _, err := g.coord.Create(p1.Identity, p2.Identity, stake, g.SendToIdentity); err != nil {
		log.Printf("[Gateway] pairing %s vs %s failed: %v", p1.Identity, p2.Identity, err)
		frame := codec.MustEncode(codec.EventError, codec.ErrorMessage{Message: "matchmaking failed, please rejoin the queue"})
		g.SendToIdentity(p1.Identity, frame)
		g.SendToIdentity(p2.Identity, frame)
	}
}

// SendToIdentity routes one frame to the connection currently bound to the
// identity. Frames for identities without a live socket are dropped; the
// session layer treats the socket as fire and forget.
//
// The send happens under the routing lock: unregister removes the entry
// before closing the channel, so no frame can land on a closed channel.
func (g *Gateway) SendToIdentity(identityAddr string, frame []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.byIdentity[identityAddr]
	if !ok {
		log.Printf("[Gateway] no connection for %s, dropping frame", identityAddr)
		return
	}
	select {
	case c.send <- frame:
	default:
		// A stalled writer loses the connection rather than blocking the
		// session actor.
		log.Printf("[Gateway] send buffer full for %s, closing %s", identityAddr, c.id)
		_ = c.ws.Close()
	}
}

func (g *Gateway) sendError(c *Connection, msg string) {
	frame := codec.MustEncode(codec.EventError, codec.ErrorMessage{Message: msg})
	select {
	case c.send <- frame:
	default:
	}
}
