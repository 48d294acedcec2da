package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/protocol"
	"github.com/427h5dvrch-lang/human-origin/internal/service"
)

// Notarizer issues authority certificates.
type Notarizer interface {
	Notarize(ctx context.Context, callerID string, req *protocol.NotaryRequest) (*protocol.NotaryResponse, error)
}

// NotaryHandler serves /api/v1/sign-cert.
type NotaryHandler struct {
	notary Notarizer
	logger *zap.Logger
}

// NewNotaryHandler creates a new notary handler
func NewNotaryHandler(notary Notarizer, logger *zap.Logger) *NotaryHandler {
	return &NotaryHandler{
		notary: notary,
		logger: logger,
	}
}

var notaryStatus = map[service.NotaryErrorKind]int{
	service.KindConfig:       http.StatusInternalServerError,
	service.KindUnauthorized: http.StatusUnauthorized,
	service.KindInvalid:      http.StatusBadRequest,
	service.KindForbidden:    http.StatusForbidden,
	service.KindConflict:     http.StatusConflict,
	service.KindInternal:     http.StatusInternalServerError,
}

// SignCert notarizes a device-signed certificate.
// @Summary Notarize a session certificate
// @Accept json
// @Produce json
// @Success 200 {object} protocol.NotaryResponse
// @Router /api/v1/sign-cert [post]
func (h *NotaryHandler) SignCert(c *gin.Context) {
	var req protocol.NotaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ErrorResponse{Error: "invalid request body"})
		return
	}

	caller := callerID(c)
	resp, err := h.notary.Notarize(c.Request.Context(), caller, &req)
	if err != nil {
		h.fail(c, caller, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *NotaryHandler) fail(c *gin.Context, caller string, err error) {
	var nerr *service.NotaryError
	if !errors.As(err, &nerr) {
		nerr = &service.NotaryError{Kind: service.KindInternal, Err: err}
	}

	status, ok := notaryStatus[nerr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Notarization failed", zap.String("user_id", caller), zap.Error(err))
		msg := "internal server error"
		if nerr.Kind == service.KindConfig {
			msg = "server configuration error"
		}
		c.JSON(status, protocol.ErrorResponse{Error: msg})
		return
	}

	h.logger.Warn("Notarization refused", zap.String("user_id", caller), zap.Int("status", status), zap.Error(err))
	c.JSON(status, protocol.ErrorResponse{Error: nerr.Message, Details: nerr.Details})
}
