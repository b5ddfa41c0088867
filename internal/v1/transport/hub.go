package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/metrics"
	"github.com/coedit-live/coedit/backend/go/internal/v1/ratelimit"
	"github.com/coedit-live/coedit/backend/go/internal/v1/room"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// DefaultJoinTimeout closes connections that never send join-room.
const DefaultJoinTimeout = 10 * time.Second

// HubConfig carries the hub's dependencies and tuning.
type HubConfig struct {
	Store           store.Store
	Validator       types.TokenValidator
	Bus             types.BusService
	RateLimiter     *ratelimit.RateLimiter
	InstanceID      string
	StalenessWindow int64
	AwayAfter       time.Duration
	JoinTimeout     time.Duration
	SkipAuth        bool // Accept unauthenticated joins, development only
	AllowedOrigins  []string
}

// Hub is the central coordinator mapping live websocket connections onto
// rooms. Rooms are created lazily on first join and torn down after a grace
// period once the last member leaves.
type Hub struct {
	cfg HubConfig

	mu                  sync.Mutex // Protects rooms and pendingRoomCleanups
	rooms               map[types.RoomIDType]*room.Room
	pendingRoomCleanups map[types.RoomIDType]*time.Timer
	cleanupGracePeriod  time.Duration
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(cfg HubConfig) *Hub {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	return &Hub{
		cfg:                 cfg,
		rooms:               make(map[types.RoomIDType]*room.Room),
		pendingRoomCleanups: make(map[types.RoomIDType]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
	}
}

// ServeWs upgrades the connection and starts the client pumps. The upgrade
// itself is unauthenticated; authentication happens on the first join-room
// frame, and a deadline closes connections that never send one.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.CheckWebSocketUpgrade(c) {
		return // Response already written
	}

	if err := validateOrigin(c.Request, h.cfg.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		return
	}

	h.HandleConnection(types.RoomIDType(c.Param("roomId")), conn, c.ClientIP())
}

// HandleConnection takes an established connection and starts its pumps.
// Split from ServeWs so tests can drive a mock connection.
func (h *Hub) HandleConnection(roomID types.RoomIDType, conn wsConnection, remoteAddr string) *Client {
	client := &Client{
		conn:         conn,
		hub:          h,
		remoteAddr:   remoteAddr,
		targetRoomID: roomID,
		role:         types.RoleTypeUnknown,
		send:         make(chan []byte, 256),
	}
	client.joinTimer = time.AfterFunc(h.cfg.JoinTimeout, func() {
		if client.currentRoom() == nil {
			logging.Warn(context.Background(), "closing connection, join deadline passed",
				zap.String("remote_addr", remoteAddr), zap.String("room_id", string(roomID)))
			client.Disconnect()
		}
	})

	metrics.ActiveConnections.Inc()

	go client.writePump()
	go client.readPump()
	return client
}

// route dispatches one inbound frame. join-room is handled here; everything
// else requires a completed handshake and goes to the room, subject to the
// per-event rate budgets.
func (h *Hub) route(ctx context.Context, c *Client, frame types.Frame) {
	if frame.Event == types.EventJoinRoom {
		h.handleJoin(ctx, c, frame)
		return
	}

	r := c.currentRoom()
	if r == nil {
		c.Send(types.EventError, frame.RequestID, types.ErrorPayload{
			Code:    types.CodeUnauthorized,
			Message: "join a room first",
		})
		return
	}

	if h.cfg.RateLimiter != nil {
		switch frame.Event {
		case types.EventDocumentOperation:
			if !h.cfg.RateLimiter.AllowOperations(ctx, c.limitKey()) {
				c.Send(types.EventError, frame.RequestID, types.ErrorPayload{
					Code:    types.CodeRateLimited,
					Message: "operation rate limit exceeded",
				})
				return
			}
		case types.EventCursorUpdate:
			// Cursor updates are lossy; drop silently under pressure.
			if !h.cfg.RateLimiter.AllowCursor(ctx, c.limitKey()) {
				return
			}
		}
	}

	r.HandleEvent(ctx, c, frame)
}

// handleDisconnect detaches a client from its room when the read pump exits.
func (h *Hub) handleDisconnect(c *Client) {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.Disconnect()
	if r := c.currentRoom(); r != nil {
		r.Leave(context.Background(), c)
	}
}

// getOrCreateRoom retrieves the live room, cancelling any pending cleanup, or
// instantiates it from its stored metadata.
func (h *Hub) getOrCreateRoom(ctx context.Context, roomID types.RoomIDType) (*room.Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingRoomCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingRoomCleanups, roomID)
			logging.Info(ctx, "Cancelled pending room cleanup due to reconnection",
				zap.String("room_id", string(roomID)))
		}
		return r, nil
	}

	r, err := room.New(ctx, roomID, room.Config{
		Store:           h.cfg.Store,
		Bus:             h.cfg.Bus,
		InstanceID:      h.cfg.InstanceID,
		StalenessWindow: h.cfg.StalenessWindow,
		AwayAfter:       h.cfg.AwayAfter,
		OnEmpty:         h.removeRoom,
	})
	if err != nil {
		return nil, err
	}

	logging.Info(ctx, "Instantiated room", zap.String("room_id", string(roomID)))
	h.rooms[roomID] = r
	metrics.ActiveRooms.Inc()
	return r, nil
}

// removeRoom schedules an empty room for teardown after the grace period.
// Members rejoining within the window cancel the cleanup.
func (h *Hub) removeRoom(roomID types.RoomIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingRoomCleanups, roomID)
		r, ok := h.rooms[roomID]
		if !ok || r.MemberCount() > 0 {
			return
		}
		r.Close()
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(string(roomID))
		logging.Info(context.Background(), "Removed room from hub after grace period",
			zap.String("room_id", string(roomID)))
	})
	h.pendingRoomCleanups[roomID] = timer
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown gracefully closes all active rooms and connections.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub, closing all active rooms")

	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[types.RoomIDType]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.cfg.AllowedOrigins) == nil
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
