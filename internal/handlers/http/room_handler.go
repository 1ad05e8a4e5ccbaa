package http

import (
	"net/http"

	"parley/internal/core/domain"
	"parley/internal/core/ports"
	"parley/internal/core/services"
	"parley/internal/infrastructure/middleware"
	"parley/pkg/errors"
	"parley/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler is the admin surface for room provisioning and live room
// inspection. Provisioning routes are only registered when the directory
// supports it.
type RoomHandler struct {
	admin    ports.RoomAdmin
	registry *services.RoomRegistry
	auth     services.AuthService
}

func NewRoomHandler(admin ports.RoomAdmin, registry *services.RoomRegistry, auth services.AuthService) *RoomHandler {
	return &RoomHandler{
		admin:    admin,
		registry: registry,
		auth:     auth,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/rooms")
	api.Use(middleware.AuthMiddleware(h.auth))
	{
		api.GET("/:id", h.GetRoom)
		if h.admin != nil {
			api.POST("", h.CreateRoom)
			api.POST("/:id/members", h.GrantMembership)
		}
	}
}

type CreateRoomRequest struct {
	RoomID  string   `json:"room_id" binding:"required,max=128"`
	UserIDs []string `json:"user_ids" binding:"max=256"`
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	if err := validation.ValidateRoomID(req.RoomID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}
	userIDs := make([]domain.UserID, 0, len(req.UserIDs))
	for _, id := range req.UserIDs {
		if err := validation.ValidateUserID(id); err != nil {
			c.Error(errors.NewValidationError(err.Error()))
			return
		}
		userIDs = append(userIDs, domain.UserID(id))
	}

	if err := h.admin.ProvisionRoom(c.Request.Context(), domain.RoomID(req.RoomID), userIDs...); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room_id": req.RoomID,
		"open":    len(userIDs) == 0,
	})
}

type GrantMembershipRequest struct {
	UserID string `json:"user_id" binding:"required,max=128"`
}

func (h *RoomHandler) GrantMembership(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	var req GrantMembershipRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	if err := h.admin.GrantMembership(c.Request.Context(), domain.UserID(req.UserID), domain.RoomID(roomID)); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"user_id": req.UserID,
	})
}

// GetRoom reports the live signaling view of a room: current members and
// producers on this instance.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	members := h.registry.Members(roomID)
	if members == nil {
		c.Error(errors.NewRoomNotFoundError(string(roomID)))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":   roomID,
		"members":   members,
		"producers": h.registry.Producers(roomID),
	})
}
