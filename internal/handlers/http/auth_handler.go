package http

import (
	"net/http"
	"strings"

	"parley/internal/core/domain"
	"parley/internal/core/services"
	"parley/internal/infrastructure/loadbalancer"
	"parley/pkg/errors"
	"parley/pkg/utils"
	"parley/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues development tokens. Production deployments mint tokens
// in the identity provider and only validate them here.
type AuthHandler struct {
	authService services.AuthService
	sticky      *loadbalancer.StickySessionManager
}

func NewAuthHandler(authService services.AuthService, sticky *loadbalancer.StickySessionManager) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		sticky:      sticky,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	UserID   string `json:"user_id" binding:"max=128"`
	Username string `json:"username" binding:"required,min=1,max=50"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewValidationError("invalid request format"))
		return
	}

	if utils.IsEmpty(req.Username) {
		c.Error(errors.NewValidationError("username must not be empty"))
		return
	}
	req.Username = strings.TrimSpace(req.Username)

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = uuid.New().String()
	}
	if err := validation.ValidateUserID(userID); err != nil {
		c.Error(errors.NewValidationError(err.Error()))
		return
	}

	accessToken, err := h.authService.GenerateToken(domain.UserID(userID), req.Username)
	if err != nil {
		c.Error(errors.NewInternalError())
		return
	}

	// Pin the upcoming websocket connect to this instance.
	if h.sticky != nil {
		h.sticky.SetSessionCookie(c.Writer, h.sticky.SessionID(c.Request))
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      userID,
		"username":     req.Username,
		"access_token": accessToken,
	})
}
