package transport

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/auth"
	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// handleJoin runs the join handshake: authenticate the token, resolve the
// participant, admit the client into the room, and reply with the room
// snapshot. The room in the URL path is authoritative; a payload roomId, when
// present, must match it.
func (h *Hub) handleJoin(ctx context.Context, c *Client, frame types.Frame) {
	if c.currentRoom() != nil {
		h.sendError(c, frame.RequestID, types.NewError(types.CodeInvalidOperation, "already joined"))
		return
	}
	if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.AllowJoin(ctx, c.limitKey()) {
		h.sendError(c, frame.RequestID, types.NewError(types.CodeRateLimited, "too many join attempts"))
		return
	}

	var payload types.JoinRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		h.sendError(c, frame.RequestID, types.NewError(types.CodeInvalidOperation, "malformed join-room payload"))
		return
	}
	roomID := c.targetRoomID
	if roomID == "" {
		roomID = payload.RoomID
	}
	if roomID == "" {
		h.sendError(c, frame.RequestID, types.NewError(types.CodeMissingField, "roomId is required"))
		return
	}
	if payload.RoomID != "" && payload.RoomID != roomID {
		h.sendError(c, frame.RequestID, types.NewError(types.CodeInvalidOperation, "roomId does not match connection path"))
		return
	}

	user, err := h.resolveUser(payload)
	if err != nil {
		h.rejectJoin(c, frame.RequestID, err)
		return
	}

	meta, err := h.cfg.Store.GetRoom(ctx, roomID)
	if err != nil {
		h.sendError(c, frame.RequestID, err)
		return
	}

	participant, err := h.resolveParticipant(ctx, meta, user, payload.DisplayName)
	if err != nil {
		h.rejectJoin(c, frame.RequestID, err)
		return
	}

	r, err := h.getOrCreateRoom(ctx, roomID)
	if err != nil {
		h.sendError(c, frame.RequestID, err)
		return
	}

	c.bindIdentity(participant)

	joined, err := r.Join(ctx, c, participant)
	if err != nil {
		h.sendError(c, frame.RequestID, err)
		if r.MemberCount() == 0 {
			h.removeRoom(roomID)
		}
		return
	}
	c.markJoined(r)

	logging.Info(ctx, "Client joined room",
		zap.String("room_id", string(roomID)),
		zap.String("participant_id", string(participant.ID)),
		zap.String("role", string(participant.Role)))

	c.Send(types.EventJoinedRoom, frame.RequestID, joined)
}

// resolveUser authenticates the bearer token. With SkipAuth the display name
// doubles as the identity, development only.
func (h *Hub) resolveUser(payload types.JoinRoomPayload) (*types.User, error) {
	if h.cfg.SkipAuth {
		name := payload.DisplayName
		if name == "" {
			name = types.DisplayNameType("dev-" + uuid.NewString()[:8])
		}
		return &types.User{ID: types.UserIDType(name), DisplayName: name}, nil
	}

	if payload.Token == "" {
		return nil, types.NewError(types.CodeMissingField, "token is required")
	}
	claims, err := h.cfg.Validator.ValidateToken(payload.Token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, types.NewError(types.CodeInvalidToken, "invalid token")
	}

	return &types.User{
		ID:          types.UserIDType(claims.Subject),
		DisplayName: types.DisplayNameType(auth.DisplayNameFromClaims(claims)),
		Email:       claims.Email,
	}, nil
}

// resolveParticipant finds the user's membership row, or creates one when the
// room allows open join. The room owner always gets the owner role; other
// first-time joiners become editors.
func (h *Hub) resolveParticipant(ctx context.Context, meta *types.Room, user *types.User, displayName types.DisplayNameType) (*types.Participant, error) {
	p, err := h.cfg.Store.GetParticipant(ctx, meta.ID, user.ID)
	switch {
	case err == nil:
	case types.CodeOf(err) == types.CodeNotFound:
		if user.ID != meta.OwnerID && !meta.OpenJoin {
			return nil, types.NewError(types.CodeAccessDenied, "room requires an invitation")
		}
		role := types.RoleTypeEditor
		if user.ID == meta.OwnerID {
			role = types.RoleTypeOwner
		}
		p = &types.Participant{
			ID:          types.ParticipantIDType(uuid.NewString()),
			RoomID:      meta.ID,
			UserID:      user.ID,
			Role:        role,
			DisplayName: user.DisplayName,
			Color:       types.AssignColor(user.ID),
		}
	default:
		return nil, err
	}

	if displayName != "" {
		p.DisplayName = displayName
	} else if p.DisplayName == "" {
		p.DisplayName = user.DisplayName
	}
	return p, nil
}

// rejectJoin surfaces a handshake failure and then closes connections that
// failed authentication or were denied admission. Other codes leave the
// connection open so the client can retry within the join deadline.
func (h *Hub) rejectJoin(c *Client, requestID string, err error) {
	h.sendError(c, requestID, err)
	switch types.CodeOf(err) {
	case types.CodeUnauthorized, types.CodeInvalidToken, types.CodeAccessDenied, types.CodeInsufficientPermissions:
		c.Disconnect()
	}
}

func (h *Hub) sendError(c *Client, requestID string, err error) {
	c.Send(types.EventError, requestID, types.ErrorPayload{
		Code:    types.CodeOf(err),
		Message: types.MessageOf(err),
	})
}
