// Package transport owns the WebSocket surface: upgrading HTTP requests,
// pumping frames between sockets and rooms, and the hub that maps room ids
// to live rooms.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/metrics"
	"github.com/relayworks/browser-relay/internal/room"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Peer represents a single WebSocket connection bound to a room under one of
// the three roles. It implements room.Peer.
type Peer struct {
	conn     wsConnection
	room     *room.Room
	role     room.Role
	clientID string

	mu        sync.RWMutex
	closed    bool
	closeCode int
	closeText string
	closeOnce sync.Once

	send chan []byte
}

// NewPeer wires a fresh connection to its room. Pumps are not started yet;
// the caller admits the peer first so a rejected socket never dispatches.
func NewPeer(conn wsConnection, r *room.Room, role room.Role, clientID string) *Peer {
	return &Peer{
		conn:     conn,
		room:     r,
		role:     role,
		clientID: clientID,
		send:     make(chan []byte, 256),
	}
}

func (p *Peer) Role() room.Role  { return p.role }
func (p *Peer) ClientID() string { return p.clientID }

// Send enqueues a serialized message for the write pump. Never blocks.
func (p *Peer) Send(data []byte) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}
	p.mu.RUnlock()

	select {
	case p.send <- data:
		return true
	default:
		logging.Warn(context.Background(), "Peer send channel full - dropping message",
			zap.String("role", string(p.role)), zap.String("clientId", p.clientID))
		return false
	}
}

// Close initiates a graceful close. The write pump drains buffered messages,
// emits the close frame with the given status, and then tears the socket down.
func (p *Peer) Close(code int, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeCode = code
	p.closeText = reason
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.send) })
}

// Start launches the read and write pumps.
func (p *Peer) Start() {
	metrics.IncConnection(string(p.role))
	go p.writePump()
	go p.readPump()
}

// readPump continuously dispatches inbound frames into the room.
func (p *Peer) readPump() {
	defer func() {
		p.room.HandlePeerDisconnect(p)
		p.Close(websocket.CloseNormalClosure, "")
		p.conn.Close()
		metrics.DecConnection(string(p.role))
	}()

	ctx := context.WithValue(context.Background(), logging.RoomIDKey, p.room.ID())
	if p.clientID != "" {
		ctx = context.WithValue(ctx, logging.ClientIDKey, p.clientID)
	}

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		switch p.role {
		case room.RoleBrowser:
			p.room.HandleBrowserMessage(ctx, data)
		case room.RoleLocal:
			p.room.HandleLocalMessage(ctx, data)
		case room.RoleAgent:
			p.room.HandleAgentMessage(ctx, p, data)
		}
	}
}

func (p *Peer) writePump() {
	defer p.conn.Close()
	writeWait := 10 * time.Second

	for message := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}

	// Channel closed: emit the close frame recorded by Close.
	p.mu.RLock()
	code, reason := p.closeCode, p.closeText
	p.mu.RUnlock()
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
