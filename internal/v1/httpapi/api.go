// Package httpapi implements the REST admin surface: room and document CRUD
// plus membership management. The realtime path lives in transport.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/coedit-live/coedit/backend/go/internal/v1/ratelimit"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

const userContextKey = "httpapi.user"

// Handler serves the REST API.
type Handler struct {
	store store.Store
	users store.TokenService
}

// NewHandler creates the REST handler.
func NewHandler(st store.Store, users store.TokenService) *Handler {
	return &Handler{store: st, users: users}
}

// Register mounts the API routes. Mutating routes require a bearer token;
// reads are open. The rooms limiter guards the whole group when configured.
func (h *Handler) Register(r gin.IRouter, rl *ratelimit.RateLimiter) {
	api := r.Group("/api/v1")
	if rl != nil {
		api.Use(rl.RoomsMiddleware())
	}

	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id", h.getRoom)
	api.GET("/documents", h.listDocuments)
	api.GET("/documents/:id", h.getDocument)
	api.GET("/documents/:id/operations", h.listOperations)

	authed := api.Group("")
	authed.Use(h.requireAuth())
	authed.POST("/rooms", h.createRoom)
	authed.PUT("/rooms/:id", h.updateRoom)
	authed.DELETE("/rooms/:id", h.deleteRoom)
	authed.POST("/rooms/:id/join", h.joinRoom)
	authed.POST("/rooms/:id/leave", h.leaveRoom)
	authed.POST("/documents", h.createDocument)
	authed.DELETE("/documents/:id", h.deleteDocument)
}

// envelope is the uniform response shape.
type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error string     `json:"error,omitempty"`
	Code  types.Code `json:"code,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Data: data})
}

func respondError(c *gin.Context, err error) {
	c.JSON(types.HTTPStatusOf(types.CodeOf(err)), envelope{
		Error: types.MessageOf(err),
		Code:  types.CodeOf(err),
	})
}

// requireAuth resolves the bearer token to a user and stores it on the
// request context.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{
				Error: "bearer token required",
				Code:  types.CodeUnauthorized,
			})
			return
		}
		user, err := h.users.GetUserFromToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{
				Error: "invalid token",
				Code:  types.CodeInvalidToken,
			})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// currentUser returns the authenticated user set by requireAuth.
func currentUser(c *gin.Context) *types.User {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*types.User)
	return user
}

// membership loads the caller's participant row for a room.
func (h *Handler) membership(c *gin.Context, roomID types.RoomIDType) (*types.Participant, error) {
	user := currentUser(c)
	if user == nil {
		return nil, types.NewError(types.CodeUnauthorized, "authentication required")
	}
	return h.store.GetParticipant(c.Request.Context(), roomID, user.ID)
}
