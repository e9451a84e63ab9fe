package httpt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	_defaultContextTimeout = 2 * time.Second
)

func (h *Handler) alertID(c *gin.Context, op string) (uuid.UUID, bool) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.handleInvalidUUID(c, op, raw)
		return uuid.Nil, false
	}
	return id, true
}

// @Summary Create alert
// @Tags Alerts
// @Accept json
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Param alert body httpt.AlertRequest true "Alert"
// @Success 201 {object} httpt.AlertResponse
// @Failure 400 {object} httpt.ErrorResponse
// @Router /users/{user_id}/alerts [post]
func (h *Handler) CreateAlert(c *gin.Context) {
	const op = "transport.http.CreateAlert"
	h.upsertAlert(c, op, uuid.Nil, http.StatusCreated)
}

// @Summary Replace alert
// @Tags Alerts
// @Accept json
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Param id path string true "Alert id"
// @Param alert body httpt.AlertRequest true "Alert"
// @Success 200 {object} httpt.AlertResponse
// @Failure 400 {object} httpt.ErrorResponse
// @Failure 404 {object} httpt.ErrorResponse
// @Router /users/{user_id}/alerts/{id} [put]
func (h *Handler) UpdateAlert(c *gin.Context) {
	const op = "transport.http.UpdateAlert"

	id, ok := h.alertID(c, op)
	if !ok {
		return
	}
	h.upsertAlert(c, op, id, http.StatusOK)
}

func (h *Handler) upsertAlert(c *gin.Context, op string, id uuid.UUID, status int) {
	var req AlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleBindError(c, op, err)
		return
	}
	alert, err := req.toEntity(c.Param("user_id"), id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	saved, err := h.alerts.Upsert(ctx, alert)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(status, newAlertResponse(saved))
}

// @Summary List active alerts
// @Tags Alerts
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Success 200 {array} httpt.AlertResponse
// @Router /users/{user_id}/alerts [get]
func (h *Handler) ListAlerts(c *gin.Context) {
	const op = "transport.http.ListAlerts"

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	alerts, err := h.alerts.FindActiveByUser(ctx, c.Param("user_id"))
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	resp := make([]AlertResponse, 0, len(alerts))
	for i := range alerts {
		resp = append(resp, newAlertResponse(&alerts[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Get alert
// @Tags Alerts
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Param id path string true "Alert id"
// @Success 200 {object} httpt.AlertResponse
// @Failure 404 {object} httpt.ErrorResponse
// @Router /users/{user_id}/alerts/{id} [get]
func (h *Handler) GetAlert(c *gin.Context) {
	const op = "transport.http.GetAlert"

	id, ok := h.alertID(c, op)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	alert, err := h.alerts.Get(ctx, id, c.Param("user_id"))
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newAlertResponse(alert))
}

// @Summary Pause or resume alert
// @Tags Alerts
// @Accept json
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Param id path string true "Alert id"
// @Param state body httpt.AlertStateRequest true "Target state"
// @Success 200 {object} httpt.AlertResponse
// @Failure 409 {object} httpt.ErrorResponse
// @Router /users/{user_id}/alerts/{id}/state [patch]
func (h *Handler) SetAlertState(c *gin.Context) {
	const op = "transport.http.SetAlertState"

	id, ok := h.alertID(c, op)
	if !ok {
		return
	}
	var req AlertStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleBindError(c, op, err)
		return
	}
	state := entity.AlertState(strings.ToUpper(req.State))
	if !state.IsValid() {
		h.handleServiceError(c, op, fmt.Errorf("unknown state %q: %w", req.State, entity.ErrInvalidData))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	alert, err := h.alerts.SetState(ctx, id, c.Param("user_id"), state)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newAlertResponse(alert))
}

// @Summary Deactivate alert
// @Tags Alerts
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Param id path string true "Alert id"
// @Success 200 {object} httpt.SuccessResponse
// @Failure 404 {object} httpt.ErrorResponse
// @Router /users/{user_id}/alerts/{id} [delete]
func (h *Handler) DeactivateAlert(c *gin.Context) {
	const op = "transport.http.DeactivateAlert"

	id, ok := h.alertID(c, op)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	done, err := h.alerts.Deactivate(ctx, id, c.Param("user_id"))
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	if !done {
		h.handleServiceError(c, op, entity.ErrAlertNotFound)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "alert deactivated"})
}

// @Summary Deactivate all alerts of a user
// @Tags Alerts
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Success 200 {object} httpt.SuccessResponse
// @Router /users/{user_id}/alerts [delete]
func (h *Handler) DeactivateAllAlerts(c *gin.Context) {
	const op = "transport.http.DeactivateAllAlerts"

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	n, err := h.alerts.DeactivateAll(ctx, c.Param("user_id"))
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "alerts deactivated", Count: &n})
}

// @Summary Issue linking code
// @Description Replaces any unused code of the user.
// @Tags Linking
// @Produce json
// @Param user_id path string true "Webapp user id"
// @Success 201 {object} httpt.LinkCodeResponse
// @Router /users/{user_id}/link-code [post]
func (h *Handler) IssueLinkCode(c *gin.Context) {
	const op = "transport.http.IssueLinkCode"

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	code, err := h.links.IssueCode(ctx, c.Param("user_id"))
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, LinkCodeResponse{Code: code.Code, ExpiresAt: code.ExpiresAt})
}

// @Summary Consume linking code
// @Tags Linking
// @Accept json
// @Produce json
// @Param request body httpt.ConsumeCodeRequest true "Code and channel identity"
// @Success 200 {object} httpt.ConsumeCodeResponse
// @Failure 404 {object} httpt.ErrorResponse
// @Failure 409 {object} httpt.ErrorResponse
// @Failure 410 {object} httpt.ErrorResponse
// @Router /links/consume [post]
func (h *Handler) ConsumeLinkCode(c *gin.Context) {
	const op = "transport.http.ConsumeLinkCode"

	var req ConsumeCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleBindError(c, op, err)
		return
	}
	channel := entity.Telegram
	if req.Channel != "" {
		channel = entity.Channel(strings.ToUpper(req.Channel))
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	owner, err := h.links.Consume(ctx, strings.TrimSpace(req.Code), channel, req.ChannelUserID)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}

	logger.Ctx(ctx, h.log).Info("linking code consumed over http",
		zap.String("op", op),
		zap.String("owner_user_id", owner),
	)
	c.JSON(http.StatusOK, ConsumeCodeResponse{OwnerUserID: owner})
}

// @Summary Unlink channel identity
// @Tags Linking
// @Produce json
// @Param channel_user_id path string true "Channel user id"
// @Param channel query string false "Channel" default(TELEGRAM)
// @Success 200 {object} httpt.SuccessResponse
// @Failure 404 {object} httpt.ErrorResponse
// @Router /links/{channel_user_id} [delete]
func (h *Handler) Unlink(c *gin.Context) {
	const op = "transport.http.Unlink"

	channel := entity.Channel(strings.ToUpper(c.DefaultQuery("channel", string(entity.Telegram))))

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	if err := h.links.Unlink(ctx, channel, c.Param("channel_user_id")); err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "channel unlinked"})
}
