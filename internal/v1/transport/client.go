// Package transport owns the websocket surface: connection upgrade, the
// per-connection read and write pumps, the join handshake, and the hub that
// maps live connections onto rooms.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/metrics"
	"github.com/coedit-live/coedit/backend/go/internal/v1/room"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is a single websocket connection. It starts unauthenticated; the
// first join-room frame binds it to a participant and a room. It implements
// types.ClientInterface.
type Client struct {
	conn       wsConnection
	hub        *Hub
	remoteAddr string

	// targetRoomID is the room named in the URL path. The join handshake may
	// only admit the client into this room.
	targetRoomID types.RoomIDType

	mu            sync.RWMutex // Protects identity fields, room binding, and closed
	participantID types.ParticipantIDType
	userID        types.UserIDType
	displayName   types.DisplayNameType
	role          types.RoleType
	room          *room.Room
	closed        bool

	joinTimer *time.Timer // Closes connections that never complete the handshake
	closeOnce sync.Once
	send      chan []byte // Buffered channel of outbound frames
}

// --- types.ClientInterface getters and setters ---

func (c *Client) GetID() types.ParticipantIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.participantID
}

func (c *Client) GetUserID() types.UserIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) GetDisplayName() types.DisplayNameType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Client) GetRole() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) SetRole(role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// bindIdentity records the resolved participant before room admission.
func (c *Client) bindIdentity(p *types.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = p.ID
	c.userID = p.UserID
	c.displayName = p.DisplayName
	c.role = p.Role
}

// markJoined binds the client to its room and cancels the join deadline.
func (c *Client) markJoined(r *room.Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
}

// currentRoom returns the joined room, or nil before the handshake completes.
func (c *Client) currentRoom() *room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// limitKey identifies this connection for per-event rate limiting. Before the
// handshake it is the remote address; afterwards the participant.
func (c *Client) limitKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.participantID != "" {
		return string(c.participantID)
	}
	return c.remoteAddr
}

// Disconnect closes the send channel exactly once. The writePump reacts by
// sending a close frame and closing the connection, which unblocks readPump.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump decodes inbound frames and hands them to the hub router until the
// connection errors or closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.ActiveConnections.Dec()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "failed to decode inbound frame",
				zap.String("remote_addr", c.remoteAddr), zap.Error(err))
			c.Send(types.EventError, "", types.ErrorPayload{
				Code:    types.CodeInvalidOperation,
				Message: "malformed frame",
			})
			continue
		}

		c.hub.route(context.Background(), c, frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("participant_id", string(c.GetID())), zap.Error(err))
			return
		}
	}
}

// Send marshals one outbound frame and enqueues it.
func (c *Client) Send(event types.EventType, requestID string, payload any) {
	data, err := json.Marshal(types.OutboundFrame{Event: event, Payload: payload, RequestID: requestID})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound frame",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw enqueues a pre-serialized frame. A full queue means the peer cannot
// keep up with the room's event rate; the connection is dropped so the client
// reconnects and resyncs from a fresh snapshot.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	// Disconnect can close the channel between the check above and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "recovered from send to closed client",
				zap.String("participant_id", string(c.GetID())), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "send queue full, disconnecting slow client",
			zap.String("participant_id", string(c.GetID())))
		c.Disconnect()
	}
}
