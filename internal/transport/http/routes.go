package httpt

import (
	"context"
	"net/http"

	"alertd/internal/entity"
	"alertd/internal/metrics"
	"alertd/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

type (
	AlertService interface {
		Upsert(ctx context.Context, alert entity.Alert) (*entity.Alert, error)
		Get(ctx context.Context, alertID uuid.UUID, ownerUserID string) (*entity.Alert, error)
		FindActiveByUser(ctx context.Context, ownerUserID string) ([]entity.Alert, error)
		SetState(ctx context.Context, alertID uuid.UUID, ownerUserID string, state entity.AlertState) (*entity.Alert, error)
		Deactivate(ctx context.Context, alertID uuid.UUID, ownerUserID string) (bool, error)
		DeactivateAll(ctx context.Context, ownerUserID string) (int, error)
	}

	LinkService interface {
		IssueCode(ctx context.Context, ownerUserID string) (*entity.LinkingCode, error)
		Consume(ctx context.Context, code string, channel entity.Channel, channelUserID string) (string, error)
		Unlink(ctx context.Context, channel entity.Channel, channelUserID string) error
	}

	PriceService interface {
		Ingest(ctx context.Context, batch []entity.PriceObservation) service.IngestReport
	}

	DispatchService interface {
		Get(ctx context.Context, eventID uuid.UUID) (*entity.NotificationEvent, error)
		Dispatch(ctx context.Context, eventID uuid.UUID) (entity.DeliveryResult, error)
		ListFailed(ctx context.Context, limit uint64) ([]entity.NotificationEvent, error)
	}

	// HealthCheck reports whether a dependency is reachable.
	HealthCheck func(ctx context.Context) error
)

type Handler struct {
	alerts   AlertService
	links    LinkService
	prices   PriceService
	dispatch DispatchService
	health   map[string]HealthCheck
	log      *zap.Logger
	metrics  *metrics.Metrics
	router   *gin.Engine
}

type HandlerOption func(*Handler)

func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *Handler) {
		if check != nil {
			h.health[name] = check
		}
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(
	alerts AlertService,
	links LinkService,
	prices PriceService,
	dispatch DispatchService,
	log *zap.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		alerts:   alerts,
		links:    links,
		prices:   prices,
		dispatch: dispatch,
		health:   make(map[string]HealthCheck),
		log:      log.With(zap.String("component", "http")),
	}
	for _, opt := range opts {
		opt(h)
	}

	router := gin.New()

	router.Use(h.requestIDMiddleware())
	router.Use(h.loggingMiddleware())
	router.Use(gin.Recovery())

	h.router = router
	h.setupRoutes()

	return h
}

func (h *Handler) Engine() *gin.Engine {
	return h.router
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// @title           Alert Dispatch API
// @version         1.0
// @description     Price alerts, channel linking and notification delivery
// @BasePath        /api/v1
func (h *Handler) setupRoutes() {
	h.router.GET("/health", h.Health)
	h.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := h.router.Group("/api/v1")

	users := v1.Group("/users/:user_id")
	users.POST("/alerts", h.CreateAlert)
	users.GET("/alerts", h.ListAlerts)
	users.DELETE("/alerts", h.DeactivateAllAlerts)
	users.GET("/alerts/:id", h.GetAlert)
	users.PUT("/alerts/:id", h.UpdateAlert)
	users.PATCH("/alerts/:id/state", h.SetAlertState)
	users.DELETE("/alerts/:id", h.DeactivateAlert)
	users.POST("/link-code", h.IssueLinkCode)

	v1.POST("/links/consume", h.ConsumeLinkCode)
	v1.DELETE("/links/:channel_user_id", h.Unlink)

	v1.POST("/prices", h.IngestPrices)

	v1.GET("/notifications/failed", h.ListFailed)
	v1.GET("/notifications/:id", h.GetNotification)
	v1.POST("/notifications/:id/dispatch", h.DispatchNotification)
}
