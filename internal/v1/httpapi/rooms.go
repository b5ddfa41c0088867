package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coedit-live/coedit/backend/go/internal/v1/room"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

type createRoomRequest struct {
	Name            string     `json:"name" binding:"required"`
	MaxParticipants int        `json:"maxParticipants"`
	OpenJoin        bool       `json:"openJoin"`
	ExpiresAt       *time.Time `json:"expiresAt"`
}

type updateRoomRequest struct {
	Name            *string           `json:"name"`
	MaxParticipants *int              `json:"maxParticipants"`
	OpenJoin        *bool             `json:"openJoin"`
	Status          *types.RoomStatus `json:"status"`
}

// createRoom creates a room owned by the caller and seeds the owner's
// participant row.
func (h *Handler) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.NewError(types.CodeMissingField, "name is required"))
		return
	}
	if req.MaxParticipants < 0 {
		respondError(c, types.NewError(types.CodeInvalidOperation, "maxParticipants must not be negative"))
		return
	}

	user := currentUser(c)
	newRoom := &types.Room{
		ID:              types.RoomIDType(uuid.NewString()),
		Name:            req.Name,
		Status:          types.RoomStatusActive,
		OwnerID:         user.ID,
		MaxParticipants: req.MaxParticipants,
		OpenJoin:        req.OpenJoin,
		CreatedAt:       time.Now(),
		ExpiresAt:       req.ExpiresAt,
	}
	if err := h.store.CreateRoom(c.Request.Context(), newRoom); err != nil {
		respondError(c, err)
		return
	}

	owner := &types.Participant{
		ID:          types.ParticipantIDType(uuid.NewString()),
		RoomID:      newRoom.ID,
		UserID:      user.ID,
		Role:        types.RoleTypeOwner,
		DisplayName: user.DisplayName,
		Color:       types.AssignColor(user.ID),
		Status:      types.PresenceOffline,
		LastSeen:    time.Now(),
	}
	if err := h.store.UpsertParticipant(c.Request.Context(), owner); err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, newRoom)
}

func (h *Handler) listRooms(c *gin.Context) {
	rooms, err := h.store.ListRooms(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, rooms)
}

type roomDetail struct {
	Room         types.Room          `json:"room"`
	Participants []types.Participant `json:"participants"`
	Documents    []types.Document    `json:"documents"`
}

func (h *Handler) getRoom(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("id"))
	meta, err := h.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	participants, err := h.store.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	documents, err := h.store.ListDocuments(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, roomDetail{Room: *meta, Participants: participants, Documents: documents})
}

func (h *Handler) updateRoom(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("id"))
	meta, err := h.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	p, err := h.membership(c, roomID)
	if err != nil {
		respondError(c, types.NewError(types.CodeAccessDenied, "not a room member"))
		return
	}
	if !room.HasPermission(p.Role, room.PermManageRoom) {
		respondError(c, types.NewError(types.CodeInsufficientPermissions, "role may not manage the room"))
		return
	}

	var req updateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.NewError(types.CodeInvalidOperation, "malformed request body"))
		return
	}
	if req.Name != nil {
		meta.Name = *req.Name
	}
	if req.MaxParticipants != nil {
		if *req.MaxParticipants < 0 {
			respondError(c, types.NewError(types.CodeInvalidOperation, "maxParticipants must not be negative"))
			return
		}
		meta.MaxParticipants = *req.MaxParticipants
	}
	if req.OpenJoin != nil {
		meta.OpenJoin = *req.OpenJoin
	}
	if req.Status != nil {
		meta.Status = *req.Status
	}

	if err := h.store.UpdateRoom(c.Request.Context(), meta); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, meta)
}

// deleteRoom removes the room and everything in it. Owner only.
func (h *Handler) deleteRoom(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("id"))
	if _, err := h.store.GetRoom(c.Request.Context(), roomID); err != nil {
		respondError(c, err)
		return
	}

	p, err := h.membership(c, roomID)
	if err != nil {
		respondError(c, types.NewError(types.CodeAccessDenied, "not a room member"))
		return
	}
	if !room.HasPermission(p.Role, room.PermDeleteRoom) {
		respondError(c, types.NewError(types.CodeInsufficientPermissions, "only the owner may delete the room"))
		return
	}

	if err := h.store.DeleteRoom(c.Request.Context(), roomID); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

type joinRoomRequest struct {
	DisplayName types.DisplayNameType `json:"displayName"`
}

// joinRoom registers the caller as a room participant. The websocket
// handshake picks the membership up afterwards.
func (h *Handler) joinRoom(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("id"))
	meta, err := h.store.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	user := currentUser(c)

	var req joinRoomRequest
	_ = c.ShouldBindJSON(&req)

	p, err := h.store.GetParticipant(c.Request.Context(), roomID, user.ID)
	switch {
	case err == nil:
		// Already a member, idempotent.
	case types.CodeOf(err) == types.CodeNotFound:
		if user.ID != meta.OwnerID && !meta.OpenJoin {
			respondError(c, types.NewError(types.CodeAccessDenied, "room requires an invitation"))
			return
		}
		participants, lerr := h.store.ListParticipants(c.Request.Context(), roomID)
		if lerr != nil {
			respondError(c, lerr)
			return
		}
		if meta.MaxParticipants > 0 && len(participants) >= meta.MaxParticipants {
			respondError(c, types.NewError(types.CodeRoomFull, "room is at capacity"))
			return
		}
		role := types.RoleTypeEditor
		if user.ID == meta.OwnerID {
			role = types.RoleTypeOwner
		}
		p = &types.Participant{
			ID:          types.ParticipantIDType(uuid.NewString()),
			RoomID:      roomID,
			UserID:      user.ID,
			Role:        role,
			DisplayName: user.DisplayName,
			Color:       types.AssignColor(user.ID),
			Status:      types.PresenceOffline,
			LastSeen:    time.Now(),
		}
	default:
		respondError(c, err)
		return
	}

	if req.DisplayName != "" {
		p.DisplayName = req.DisplayName
	}
	if err := h.store.UpsertParticipant(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, p)
}

// leaveRoom marks the caller's presence offline. Membership is kept so
// invite-only rooms stay joinable.
func (h *Handler) leaveRoom(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("id"))
	p, err := h.membership(c, roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.store.UpsertPresence(c.Request.Context(), &types.Presence{
		ParticipantID: p.ID,
		RoomID:        roomID,
		Status:        types.PresenceOffline,
		Activity:      types.ActivityIdle,
		LastActivity:  time.Now(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"left": true})
}
