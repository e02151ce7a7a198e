package room

import (
	"errors"

	"github.com/relayworks/browser-relay/internal/protocol"
)

// Role tags a WebSocket peer. The tag is fixed at admission and is the only
// piece of per-socket metadata the relay needs to recover after the
// transport wakes the process, so it must never live in a closure.
type Role string

const (
	RoleBrowser Role = "extension"
	RoleLocal   Role = "local"
	RoleAgent   Role = "agent"
)

// Peer is the behavior the room requires from a connected WebSocket peer.
// The transport package provides the production implementation; tests use
// in-memory fakes.
type Peer interface {
	Role() Role
	ClientID() string
	// Send enqueues a serialized message for delivery. It must never block;
	// it reports false when the peer is closed or its buffer is full.
	Send(data []byte) bool
	// Close initiates a graceful close with the given status code and reason.
	Close(code int, reason string)
}

// Admission conflicts. The transport layer maps these to HTTP 409.
var (
	ErrBrowserConflict = errors.New("extension already connected")
	ErrLocalConflict   = errors.New("local client already connected")
	ErrAgentConflict   = errors.New("agent with this clientId already connected")
)

// Routing and closure errors surfaced on agent-facing replies.
var (
	ErrExtensionNotConnected = errors.New("Extension not connected")
	ErrLocalNotConnected     = errors.New("Local client not connected")
	errExtensionClosed       = errors.New("Extension connection closed")
	errLocalClosed           = errors.New("Local client connection closed")
)

// Target is one browser attachment unit (tab, worker) mirrored by the room.
type Target struct {
	SessionID string              `json:"sessionId"`
	TargetID  string              `json:"targetId"`
	Info      protocol.TargetInfo `json:"info"`
}
