package httpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"alertd/internal/entity"
	"alertd/internal/repository/memory"
	"alertd/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *recordingQueue) Publish(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type recordingChannel struct {
	mu      sync.Mutex
	targets []entity.Target
	err     error
}

func (c *recordingChannel) Send(_ context.Context, target entity.Target, _ entity.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.targets = append(c.targets, target)
	return nil
}

type testAPI struct {
	handler *Handler
	queue   *recordingQueue
	channel *recordingChannel
}

func newTestAPI(t *testing.T, opts ...HandlerOption) *testAPI {
	t.Helper()
	log := zaptest.NewLogger(t)

	alertRepo := memory.NewAlertRepository()
	store := service.NewAlertStore(alertRepo, log)
	links := service.NewLinkingCoordinator(memory.NewLinkRepository(), log)
	q := &recordingQueue{}
	ch := &recordingChannel{}

	dispatcher, err := service.NewNotificationDispatcher(alertRepo, memory.NewEventRepository(), links, ch, q, log)
	require.NoError(t, err)
	links.OnLinked(dispatcher.ReleaseHeld)
	engine := service.NewMatchEngine(store, dispatcher, log, nil)

	return &testAPI{
		handler: NewHandler(store, links, engine, dispatcher, log, opts...),
		queue:   q,
		channel: ch,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func alertBody(maxPrice float64) AlertRequest {
	return AlertRequest{Origin: "sdq", Destination: "bog", MaxPrice: &maxPrice, Adults: 1}
}

func TestAlertLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/users/user-1/alerts", alertBody(300))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AlertResponse](t, rec)
	assert.Equal(t, "SDQ", created.Origin)
	assert.Equal(t, "SPECIFIC", created.Kind)
	assert.Equal(t, "ACTIVE", created.State)

	path := "/api/v1/users/user-1/alerts/" + created.ID

	rec = api.do(t, http.MethodPut, path, AlertRequest{Origin: "SDQ", Destination: "BOG", Month: "2026-04", Adults: 2, Infants: 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[AlertResponse](t, rec)
	assert.Equal(t, "MONTHLY", updated.Kind)
	assert.Equal(t, "2026-04", updated.Month)

	rec = api.do(t, http.MethodPatch, path+"/state", AlertStateRequest{State: "paused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "PAUSED", decode[AlertResponse](t, rec).State)

	rec = api.do(t, http.MethodGet, "/api/v1/users/user-1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AlertResponse](t, rec))

	rec = api.do(t, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPatch, path+"/state", AlertStateRequest{State: "ACTIVE"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DEACTIVATED", decode[AlertResponse](t, rec).State)
}

func TestAlertsOfAnotherUserAreHidden(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/users/user-1/alerts", alertBody(300))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AlertResponse](t, rec).ID
	foreign := "/api/v1/users/user-2/alerts/" + id

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, foreign, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPut, foreign, alertBody(100)).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, foreign, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPatch, foreign+"/state", AlertStateRequest{State: "PAUSED"}).Code)
}

func TestAlertValidation(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   string
	}{
		{name: "bad month", method: http.MethodPost, path: "/api/v1/users/u/alerts",
			body: AlertRequest{Origin: "SDQ", Destination: "BOG", Month: "2026-13", Adults: 1}, code: "invalid_data"},
		{name: "same route ends", method: http.MethodPost, path: "/api/v1/users/u/alerts",
			body: alertBody(100).withDestination("SDQ"), code: "invalid_data"},
		{name: "missing origin", method: http.MethodPost, path: "/api/v1/users/u/alerts",
			body: map[string]any{"destination": "BOG"}, code: "invalid_body"},
		{name: "bad id", method: http.MethodGet, path: "/api/v1/users/u/alerts/nope", code: "invalid_id"},
		{name: "bad state", method: http.MethodPatch, path: "/api/v1/users/u/alerts/" + uuid.NewString() + "/state",
			body: AlertStateRequest{State: "SLEEPING"}, code: "invalid_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func (r AlertRequest) withDestination(d string) AlertRequest {
	r.Destination = d
	return r
}

func TestDeactivateAllAlerts(t *testing.T) {
	api := newTestAPI(t)
	for _, price := range []float64{100, 200} {
		require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/users/user-1/alerts", alertBody(price)).Code)
	}

	rec := api.do(t, http.MethodDelete, "/api/v1/users/user-1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SuccessResponse](t, rec)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 2, *resp.Count)
}

func TestLinkingFlow(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/users/user-1/link-code", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[LinkCodeResponse](t, rec)
	assert.Len(t, code.Code, entity.LinkingCodeLength)

	consume := ConsumeCodeRequest{Code: code.Code, ChannelUserID: "424242"}
	rec = api.do(t, http.MethodPost, "/api/v1/links/consume", consume)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "user-1", decode[ConsumeCodeResponse](t, rec).OwnerUserID)

	rec = api.do(t, http.MethodPost, "/api/v1/links/consume", consume)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "code_consumed", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/v1/links/consume", ConsumeCodeRequest{Code: "999999", ChannelUserID: "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodDelete, "/api/v1/links/424242", nil).Code)
	rec = api.do(t, http.MethodDelete, "/api/v1/links/424242?channel=telegram", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_linked", decode[ErrorResponse](t, rec).Code)
}

func TestPricesMatchAndDispatch(t *testing.T) {
	api := newTestAPI(t)

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/users/user-1/alerts", alertBody(300)).Code)
	code := decode[LinkCodeResponse](t, api.do(t, http.MethodPost, "/api/v1/users/user-1/link-code", nil))
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/v1/links/consume",
		ConsumeCodeRequest{Code: code.Code, ChannelUserID: "424242"}).Code)

	rec := api.do(t, http.MethodPost, "/api/v1/prices", PriceBatchRequest{Observations: []PriceObservationRequest{
		{Origin: "SDQ", Destination: "BOG", Date: "2026-04-10", Price: 280},
		{Origin: "SDQ", Destination: "BOG", Date: "10/04/2026", Price: 250},
		{Origin: "SDQ", Destination: "BOG", Date: "2026-04-11T08:00:00Z", Price: 310},
		{Origin: "SDQ", Destination: "SDQ", Date: "2026-04-11", Price: 100},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[service.IngestReport](t, rec)
	assert.Equal(t, 4, report.Observed)
	assert.Equal(t, 1, report.Matched)
	require.Len(t, report.Failures, 2)
	assert.ElementsMatch(t, []int{1, 3}, []int{report.Failures[0].Index, report.Failures[1].Index})

	require.Len(t, api.queue.ids, 1)
	eventPath := "/api/v1/notifications/" + api.queue.ids[0].String()

	rec = api.do(t, http.MethodPost, eventPath+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[entity.DeliveryResult](t, rec)
	assert.True(t, res.Delivered)
	assert.Equal(t, entity.StateSent, res.State)

	rec = api.do(t, http.MethodPost, eventPath+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[entity.DeliveryResult](t, rec).Delivered)
	require.Len(t, api.channel.targets, 1)
	assert.Equal(t, "424242", api.channel.targets[0].Address)

	rec = api.do(t, http.MethodGet, eventPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[entity.NotificationEvent](t, rec)
	assert.Equal(t, entity.StateSent, ev.State)
	assert.Equal(t, entity.Telegram, ev.Channel)
}

func TestFailedNotifications(t *testing.T) {
	api := newTestAPI(t)
	api.channel.err = errors.Join(entity.ErrDeliveryPermanent, errors.New("bot blocked"))

	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/v1/users/user-1/alerts", alertBody(300)).Code)
	code := decode[LinkCodeResponse](t, api.do(t, http.MethodPost, "/api/v1/users/user-1/link-code", nil))
	api.do(t, http.MethodPost, "/api/v1/links/consume", ConsumeCodeRequest{Code: code.Code, ChannelUserID: "1"})
	api.do(t, http.MethodPost, "/api/v1/prices", PriceBatchRequest{Observations: []PriceObservationRequest{
		{Origin: "SDQ", Destination: "BOG", Date: "2026-04-10", Price: 200},
	}})
	require.Len(t, api.queue.ids, 1)

	rec := api.do(t, http.MethodPost, "/api/v1/notifications/"+api.queue.ids[0].String()+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, entity.StateFailed, decode[entity.DeliveryResult](t, rec).State)

	rec = api.do(t, http.MethodGet, "/api/v1/notifications/failed?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[[]entity.NotificationEvent](t, rec)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "bot blocked")

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/v1/notifications/failed?limit=0", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/v1/notifications/"+uuid.NewString(), nil).Code)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t,
		WithHealthCheck("postgres", func(context.Context) error { return nil }),
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	)

	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["postgres"])
	assert.Equal(t, "connection refused", body["redis"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
