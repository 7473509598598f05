package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ringline/internal/core/domain"
	"ringline/internal/core/services"
	"ringline/pkg/errors"
	"ringline/pkg/validation"
)

// AuthHandler issues relay tokens. Minting needs the operator key; refresh
// only needs a still-valid token and keeps its user and device.
type AuthHandler struct {
	authService services.AuthService
	operatorKey string
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, operatorKey string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		operatorKey: operatorKey,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
		api.POST("/refresh", h.RefreshToken)
	}
}

type IssueTokenRequest struct {
	UserID   string `json:"userId" binding:"required"`
	DeviceID string `json:"deviceId" binding:"required"`
}

type RefreshTokenRequest struct {
	Token string `json:"token" binding:"required,max=2048"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	if h.operatorKey == "" || c.GetHeader("X-Operator-Key") != h.operatorKey {
		c.Error(errors.NewForbiddenError("operator key required"))
		return
	}

	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDeviceID(req.DeviceID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	h.respond(c, http.StatusCreated, domain.UserID(req.UserID), domain.DeviceID(req.DeviceID))
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateToken(req.Token)
	if err != nil {
		c.Error(errors.NewUnauthorizedError("invalid token"))
		return
	}
	h.respond(c, http.StatusOK, claims.UserID, claims.DeviceID)
}

func (h *AuthHandler) respond(c *gin.Context, status int, userID domain.UserID, deviceID domain.DeviceID) {
	token, err := h.authService.GenerateToken(userID, deviceID)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}
	c.JSON(status, gin.H{
		"userId":    userID,
		"deviceId":  deviceID,
		"token":     token,
		"expiresIn": int(h.tokenTTL / time.Second),
	})
}
