package httpt

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"alertd/internal/entity"
	"alertd/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	_ingestTimeout    = 30 * time.Second
	_dispatchTimeout  = 15 * time.Second
	_healthTimeout    = time.Second
	_defaultListLimit = 100
	_maxListLimit     = 1000
)

// @Summary Ingest price observations
// @Description Evaluates every observation against active alerts. Invalid
// @Description observations are reported per index and do not stop the batch.
// @Tags Prices
// @Accept json
// @Produce json
// @Param batch body httpt.PriceBatchRequest true "Observations"
// @Success 200 {object} service.IngestReport
// @Failure 400 {object} httpt.ErrorResponse
// @Router /prices [post]
func (h *Handler) IngestPrices(c *gin.Context) {
	const op = "transport.http.IngestPrices"

	var req PriceBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleBindError(c, op, err)
		return
	}

	var (
		batch    = make([]entity.PriceObservation, 0, len(req.Observations))
		indices  = make([]int, 0, len(req.Observations))
		failures []service.IngestFailure
	)
	for i, raw := range req.Observations {
		obs, err := raw.toEntity()
		if err != nil {
			failures = append(failures, service.IngestFailure{Index: i, Error: err.Error()})
			continue
		}
		batch = append(batch, obs)
		indices = append(indices, i)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _ingestTimeout)
	defer cancel()

	report := h.prices.Ingest(ctx, batch)
	for _, f := range report.Failures {
		f.Index = indices[f.Index]
		failures = append(failures, f)
	}
	report.Observed = len(req.Observations)
	report.Failures = failures

	c.JSON(http.StatusOK, report)
}

func (h *Handler) eventID(c *gin.Context, op string) (uuid.UUID, bool) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.handleInvalidUUID(c, op, raw)
		return uuid.Nil, false
	}
	return id, true
}

// @Summary Get notification
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification event id"
// @Success 200 {object} entity.NotificationEvent
// @Failure 404 {object} httpt.ErrorResponse
// @Router /notifications/{id} [get]
func (h *Handler) GetNotification(c *gin.Context) {
	const op = "transport.http.GetNotification"

	id, ok := h.eventID(c, op)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	ev, err := h.dispatch.Get(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// @Summary Dispatch notification now
// @Description Runs one delivery attempt. Idempotent: a settled event is returned as is.
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification event id"
// @Success 200 {object} entity.DeliveryResult
// @Failure 404 {object} httpt.ErrorResponse
// @Router /notifications/{id}/dispatch [post]
func (h *Handler) DispatchNotification(c *gin.Context) {
	const op = "transport.http.DispatchNotification"

	id, ok := h.eventID(c, op)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _dispatchTimeout)
	defer cancel()

	res, err := h.dispatch.Dispatch(ctx, id)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// @Summary List failed notifications
// @Tags Notifications
// @Produce json
// @Param limit query int false "Max results" default(100)
// @Success 200 {array} entity.NotificationEvent
// @Router /notifications/failed [get]
func (h *Handler) ListFailed(c *gin.Context) {
	const op = "transport.http.ListFailed"

	limit := uint64(_defaultListLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || n == 0 || n > _maxListLimit {
			h.respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000", nil)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), _defaultContextTimeout)
	defer cancel()

	events, err := h.dispatch.ListFailed(ctx, limit)
	if err != nil {
		h.handleServiceError(c, op, err)
		return
	}
	if events == nil {
		events = []entity.NotificationEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// @Summary Health check
// @Tags Health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), _healthTimeout)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	c.JSON(status, body)
}
