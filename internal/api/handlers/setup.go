// Package handlers provides the HTTP handlers of the authority API: first
// run setup, login, the notary endpoint, the ledger endpoints devices
// deliver their queue to, and the chain views.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/database/models"
	"github.com/427h5dvrch-lang/human-origin/internal/service"
)

// Users is the part of the user service the handlers need.
type Users interface {
	IsSetupComplete(ctx context.Context) (bool, error)
	PerformInitialSetup(ctx context.Context, req *service.SetupRequest) (*service.LoginResult, error)
	AuthenticateUser(ctx context.Context, username, password string) (*service.LoginResult, error)
	CreateUser(ctx context.Context, req *service.CreateUserRequest) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// SetupHandler handles setup operations
type SetupHandler struct {
	users  Users
	logger *zap.Logger
}

// NewSetupHandler creates a new setup handler
func NewSetupHandler(users Users, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{
		users:  users,
		logger: logger,
	}
}

// GetStatus checks if initial setup has been completed.
// @Summary Check setup status
// @Success 200 {object} map[string]bool
// @Router /api/v1/setup/status [get]
func (h *SetupHandler) GetStatus(c *gin.Context) {
	isComplete, err := h.users.IsSetupComplete(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to check setup status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check setup status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"setup_complete": isComplete,
	})
}

// SetupRequest represents initial setup request
type SetupRequest struct {
	Username string `json:"username" binding:"required,min=3"`
	Password string `json:"password" binding:"required,min=8"`
}

// PerformSetup creates the first admin user.
// @Summary Perform initial setup
// @Accept json
// @Produce json
// @Param request body SetupRequest true "Setup request"
// @Success 200 {object} map[string]string
// @Router /api/v1/setup [post]
func (h *SetupHandler) PerformSetup(c *gin.Context) {
	var req SetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.users.PerformInitialSetup(c.Request.Context(), &service.SetupRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if errors.Is(err, service.ErrSetupComplete) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Setup failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Initial setup completed", zap.String("username", req.Username))

	c.JSON(http.StatusOK, gin.H{
		"message":    "Setup completed successfully",
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"user_id":    result.User.ID,
		"username":   result.User.Username,
	})
}
