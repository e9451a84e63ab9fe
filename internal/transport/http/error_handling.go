package httpt

import (
	"context"
	"errors"
	"net/http"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) handleServiceError(c *gin.Context, op string, err error) {
	log := logger.Ctx(c.Request.Context(), h.log).With(zap.String("op", op), zap.Error(err))

	switch {
	case errors.Is(err, entity.ErrInvalidData):
		log.Warn("invalid data")
		h.respondError(c, http.StatusBadRequest, "invalid_data", "Invalid input data", err)

	case errors.Is(err, entity.ErrAlertNotFound):
		log.Warn("alert not found")
		h.respondError(c, http.StatusNotFound, "not_found", "Alert not found", err)

	case errors.Is(err, entity.ErrEventNotFound):
		log.Warn("notification not found")
		h.respondError(c, http.StatusNotFound, "not_found", "Notification not found", err)

	case errors.Is(err, entity.ErrCodeNotFound):
		log.Warn("linking code not found")
		h.respondError(c, http.StatusNotFound, "code_not_found", "Linking code not found", err)

	case errors.Is(err, entity.ErrChannelNotLinked):
		log.Warn("channel not linked")
		h.respondError(c, http.StatusNotFound, "not_linked", "Channel is not linked", err)

	case errors.Is(err, entity.ErrCodeExpired):
		log.Warn("linking code expired")
		h.respondError(c, http.StatusGone, "code_expired", "Linking code has expired", err)

	case errors.Is(err, entity.ErrCodeAlreadyConsumed):
		log.Warn("linking code already consumed")
		h.respondError(c, http.StatusConflict, "code_consumed", "Linking code was already used", err)

	case errors.Is(err, entity.ErrChannelAlreadyLinked):
		log.Warn("channel already linked")
		h.respondError(c, http.StatusConflict, "already_linked",
			"Channel is already linked to another account", err)

	case errors.Is(err, entity.ErrAlertDeactivated), errors.Is(err, entity.ErrInvalidState):
		log.Warn("invalid alert state")
		h.respondError(c, http.StatusConflict, "invalid_state", "Alert state does not allow this change", err)

	case errors.Is(err, entity.ErrConflictingData):
		log.Warn("conflicting data")
		h.respondError(c, http.StatusConflict, "conflict", "Data conflict occurred", err)

	case errors.Is(err, entity.ErrDataNotFound):
		log.Warn("data not found")
		h.respondError(c, http.StatusNotFound, "not_found", "Resource not found", err)

	case errors.Is(err, context.DeadlineExceeded):
		log.Error("request timed out")
		h.respondError(c, http.StatusGatewayTimeout, "timeout", "Request timed out", err)

	default:
		log.Error("internal server error")
		h.respondError(c, http.StatusInternalServerError, "internal_error",
			"Internal server error occurred", nil)
	}
}

// respondError omits details for internal errors so storage messages never
// reach clients.
func (h *Handler) respondError(c *gin.Context, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

func (h *Handler) handleInvalidUUID(c *gin.Context, op, raw string) {
	logger.Ctx(c.Request.Context(), h.log).Warn("invalid uuid",
		zap.String("op", op),
		zap.String("value", raw),
	)
	h.respondError(c, http.StatusBadRequest, "invalid_id", "Invalid identifier format", nil)
}

func (h *Handler) handleBindError(c *gin.Context, op string, err error) {
	logger.Ctx(c.Request.Context(), h.log).Warn("invalid request body",
		zap.String("op", op),
		zap.Error(err),
	)
	h.respondError(c, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
}
