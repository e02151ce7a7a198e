package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/auth"
	"github.com/relayworks/browser-relay/internal/config"
	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/metrics"
	"github.com/relayworks/browser-relay/internal/ratelimit"
	"github.com/relayworks/browser-relay/internal/room"
)

// Hub serves as the central coordinator for all relay rooms in the system.
type Hub struct {
	rooms               map[string]*room.Room
	mu                  sync.Mutex
	pendingRoomCleanups map[string]*time.Timer
	cleanupGracePeriod  time.Duration
	cfg                 *config.Config
	store               room.SnapshotStore
	rateLimiter         *ratelimit.RateLimiter
	allowedOrigins      []string
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(cfg *config.Config, store room.SnapshotStore, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		rooms:               make(map[string]*room.Room),
		pendingRoomCleanups: make(map[string]*time.Timer),
		cleanupGracePeriod:  30 * time.Second,
		cfg:                 cfg,
		store:               store,
		rateLimiter:         rateLimiter,
		allowedOrigins:      auth.AllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"}),
	}
}

// ServeExtension handles GET /room/:roomId/extension.
func (h *Hub) ServeExtension(c *gin.Context) {
	h.serveWs(c, room.RoleBrowser, "")
}

// ServeLocal handles GET /room/:roomId/local and /room/:roomId/local/:clientId.
func (h *Hub) ServeLocal(c *gin.Context) {
	clientID := c.Param("clientId")
	if clientID == "" {
		clientID = "local-" + uuid.NewString()
	}
	h.serveWs(c, room.RoleLocal, clientID)
}

// ServeAgent handles GET /room/:roomId/mcp and /room/:roomId/mcp/:clientId.
func (h *Hub) ServeAgent(c *gin.Context) {
	clientID := c.Param("clientId")
	if clientID == "" {
		clientID = "agent-" + uuid.NewString()
	}
	h.serveWs(c, room.RoleAgent, clientID)
}

// serveWs authenticates the caller, pre-checks role conflicts, and upgrades.
func (h *Hub) serveWs(c *gin.Context, role room.Role, clientID string) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	r, ok := h.authenticateRoom(c)
	if !ok {
		return
	}

	// Reject conflicts before paying for the upgrade. The post-upgrade
	// admission re-checks under the room lock.
	if conflicted(r, role, clientID) {
		metrics.AdmissionRejected.WithLabelValues(string(role) + "_conflict").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": conflictMessage(role)})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	peer := NewPeer(conn, r, role, clientID)
	if err := admit(r, role, peer); err != nil {
		// Lost the admission race between pre-check and upgrade.
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, conflictMessage(role)))
		_ = conn.Close()
		return
	}

	peer.Start()
}

func conflicted(r *room.Room, role room.Role, clientID string) bool {
	switch role {
	case room.RoleBrowser:
		return r.BrowserConnected()
	case room.RoleLocal:
		return r.LocalConnected()
	case room.RoleAgent:
		return r.AgentConnected(clientID)
	}
	return false
}

func conflictMessage(role room.Role) string {
	switch role {
	case room.RoleBrowser:
		return room.ErrBrowserConflict.Error()
	case room.RoleLocal:
		return room.ErrLocalConflict.Error()
	default:
		return room.ErrAgentConflict.Error()
	}
}

func admit(r *room.Room, role room.Role, p *Peer) error {
	switch role {
	case room.RoleBrowser:
		return r.AdmitBrowser(p)
	case room.RoleLocal:
		return r.AdmitLocal(p)
	default:
		return r.AdmitAgent(p)
	}
}

// authenticateRoom resolves the request's room and validates its passphrase,
// writing the HTTP error itself on failure.
func (h *Hub) authenticateRoom(c *gin.Context) (*room.Room, bool) {
	roomID := c.Param("roomId")
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id required"})
		return nil, false
	}

	r := h.getOrCreateRoom(roomID)
	passphrase := auth.ExtractPassphrase(c.Request)

	switch err := r.Auth().Validate(passphrase); err {
	case nil:
		return r, true
	case auth.ErrUnauthorized:
		metrics.AdmissionRejected.WithLabelValues("no_passphrase").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "passphrase required"})
	default:
		metrics.AdmissionRejected.WithLabelValues("bad_passphrase").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid passphrase"})
	}
	return nil, false
}

// RoomForMCP resolves and authenticates a room for the MCP HTTP surface.
// The room is returned even when validation fails, so callers with their
// own credential (a validated JWT) can still reach it.
func (h *Hub) RoomForMCP(req *http.Request, roomID string) (*room.Room, error) {
	r := h.getOrCreateRoom(roomID)
	return r, r.Auth().Validate(auth.ExtractPassphrase(req))
}

// ExtensionStatus handles GET /room/:roomId/extension/status.
func (h *Hub) ExtensionStatus(c *gin.Context) {
	r, ok := h.authenticateRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": r.BrowserConnected()})
}

// LocalStatus handles GET /room/:roomId/local/status.
func (h *Hub) LocalStatus(c *gin.Context) {
	r, ok := h.authenticateRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": r.LocalConnected()})
}

// RoomTargets handles GET /room/:roomId/targets, an operator introspection
// endpoint listing the mirrored target registry.
func (h *Hub) RoomTargets(c *gin.Context) {
	r, ok := h.authenticateRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"targets": r.Targets(),
		"agents":  r.AgentCount(),
	})
}

// RoomHealth handles GET /room/:roomId/health. A passphrase is optional;
// presenting one on a fresh room establishes it, same as a connect would.
func (h *Hub) RoomHealth(c *gin.Context) {
	roomID := c.Param("roomId")
	r := h.getOrCreateRoom(roomID)

	if passphrase := auth.ExtractPassphrase(c.Request); passphrase != "" {
		if err := r.Auth().Validate(passphrase); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid passphrase"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getOrCreateRoom retrieves the Room associated with the given id.
func (h *Hub) getOrCreateRoom(roomID string) *room.Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, hasPendingCleanup := h.pendingRoomCleanups[roomID]; hasPendingCleanup {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(context.Background(), "Cancelled pending room cleanup due to reconnection", zap.String("roomId", roomID))
		}
		return r
	}

	logging.Info(context.Background(), "Creating new relay room", zap.String("roomId", roomID))
	r := room.New(context.Background(), roomID, room.Options{
		BrowserTimeout:    h.cfg.BrowserRPCTimeout,
		LocalTimeout:      h.cfg.LocalRPCTimeout,
		KeepaliveInterval: h.cfg.KeepaliveInterval,
		Store:             h.store,
		OnEmpty:           h.removeRoom,
	})
	h.rooms[roomID] = r

	metrics.ActiveRooms.Inc()
	return r
}

// removeRoom schedules an empty room for deletion after a grace period, so
// a browser restart or transport blip does not destroy room state.
func (h *Hub) removeRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existingTimer, exists := h.pendingRoomCleanups[roomID]; exists {
		existingTimer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		// Double-check the room is still empty before deleting.
		if r, ok := h.rooms[roomID]; ok && r.Empty() {
			delete(h.rooms, roomID)
			delete(h.pendingRoomCleanups, roomID)
			r.Shutdown()

			metrics.ActiveRooms.Dec()
			logging.Info(context.Background(), "Removed room from hub after grace period", zap.String("roomId", roomID))
		} else {
			delete(h.pendingRoomCleanups, roomID)
			if ok {
				logging.Info(context.Background(), "Cancelled room cleanup - room is active", zap.String("roomId", roomID))
			}
		}
	})

	h.pendingRoomCleanups[roomID] = timer
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// RoomCount returns the number of live rooms. Used by tests and status pages.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown gracefully closes all active rooms and connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down Hub - closing all active rooms...")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Shutdown()
		metrics.ActiveRooms.Dec()
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}
