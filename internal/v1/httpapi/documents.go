package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coedit-live/coedit/backend/go/internal/v1/room"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

type createDocumentRequest struct {
	RoomID   types.RoomIDType `json:"roomId" binding:"required"`
	FilePath string           `json:"filePath" binding:"required"`
}

// createDocument adds an empty document to a room. Requires editor rights.
func (h *Handler) createDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.NewError(types.CodeMissingField, "roomId and filePath are required"))
		return
	}
	if _, err := h.store.GetRoom(c.Request.Context(), req.RoomID); err != nil {
		respondError(c, err)
		return
	}

	p, err := h.membership(c, req.RoomID)
	if err != nil {
		respondError(c, types.NewError(types.CodeAccessDenied, "not a room member"))
		return
	}
	if !room.HasPermission(p.Role, room.PermCreateDocuments) {
		respondError(c, types.NewError(types.CodeInsufficientPermissions, "role may not create documents"))
		return
	}

	doc := &types.Document{
		ID:              types.DocumentIDType(uuid.NewString()),
		RoomID:          req.RoomID,
		FilePath:        req.FilePath,
		Content:         "",
		Version:         0,
		LineCount:       1,
		LastOperationAt: time.Now(),
	}
	if err := h.store.CreateDocument(c.Request.Context(), doc); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, doc)
}

func (h *Handler) listDocuments(c *gin.Context) {
	roomID := types.RoomIDType(c.Query("roomId"))
	if roomID == "" {
		respondError(c, types.NewError(types.CodeMissingField, "roomId query parameter is required"))
		return
	}
	docs, err := h.store.ListDocuments(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, docs)
}

func (h *Handler) getDocument(c *gin.Context) {
	doc, err := h.store.GetDocument(c.Request.Context(), types.DocumentIDType(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, doc)
}

// listOperations returns the operation log after a given sequence, used by
// clients resyncing a stale buffer.
func (h *Handler) listOperations(c *gin.Context) {
	docID := types.DocumentIDType(c.Param("id"))
	if _, err := h.store.GetDocument(c.Request.Context(), docID); err != nil {
		respondError(c, err)
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(c, types.NewError(types.CodeInvalidOperation, "after must be a non-negative integer"))
			return
		}
		after = v
	}
	limit := 500
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 5000 {
			respondError(c, types.NewError(types.CodeInvalidOperation, "limit must be between 1 and 5000"))
			return
		}
		limit = v
	}

	ops, err := h.store.GetOperationsSince(c.Request.Context(), docID, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, ops)
}

// deleteDocument removes a document and its history. Requires editor rights.
func (h *Handler) deleteDocument(c *gin.Context) {
	docID := types.DocumentIDType(c.Param("id"))
	doc, err := h.store.GetDocument(c.Request.Context(), docID)
	if err != nil {
		respondError(c, err)
		return
	}

	p, err := h.membership(c, doc.RoomID)
	if err != nil {
		respondError(c, types.NewError(types.CodeAccessDenied, "not a room member"))
		return
	}
	if !room.HasPermission(p.Role, room.PermCreateDocuments) {
		respondError(c, types.NewError(types.CodeInsufficientPermissions, "role may not delete documents"))
		return
	}

	if err := h.store.DeleteDocument(c.Request.Context(), docID); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}
