package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"alertd/internal/entity"
	"alertd/internal/repository/memory"
	"alertd/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const chatID int64 = 777

type fakeAPI struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	replies []tgbotapi.MessageConfig
	stopped bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 4)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.replies)
	return f.replies[len(f.replies)-1].Text
}

func command(text string) tgbotapi.Update {
	cmd, _, _ := strings.Cut(text, " ")
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		Text: text,
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(cmd)},
		},
	}}
}

type harness struct {
	api    *fakeAPI
	bot    *Bot
	links  *service.LinkingCoordinator
	alerts *service.AlertStore
}

func newHarness(t *testing.T) *harness {
	log := zaptest.NewLogger(t)
	links := service.NewLinkingCoordinator(memory.NewLinkRepository(), log)
	alerts := service.NewAlertStore(memory.NewAlertRepository(), log)
	api := newFakeAPI()
	return &harness{
		api:    api,
		bot:    NewBot(api, links, alerts, log),
		links:  links,
		alerts: alerts,
	}
}

func (h *harness) issue(t *testing.T, owner string) string {
	t.Helper()
	code, err := h.links.IssueCode(context.Background(), owner)
	require.NoError(t, err)
	return code.Code
}

func TestBot_StartLinksChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	code := h.issue(t, "user-1")

	h.bot.HandleUpdate(ctx, command("/start "+code))
	assert.Equal(t, replyLinked, h.api.last(t))

	owner, err := h.links.OwnerOf(ctx, entity.Telegram, "777")
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)

	h.bot.HandleUpdate(ctx, command("/link "+code))
	assert.Equal(t, replyCodeUsed, h.api.last(t))
}

func TestBot_LinkRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command("/start 000000"))
	assert.Equal(t, replyCodeNotFound, h.api.last(t))

	h.bot.HandleUpdate(ctx, command("/start"))
	assert.Equal(t, replyHelp, h.api.last(t))

	h.bot.HandleUpdate(ctx, command("/start "+h.issue(t, "user-1")))
	h.bot.HandleUpdate(ctx, command("/start "+h.issue(t, "user-2")))
	assert.Equal(t, replyAlreadyLinked, h.api.last(t))
}

func TestBot_AlertsAndStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command("/alerts"))
	assert.Equal(t, replyNotLinked, h.api.last(t))

	h.bot.HandleUpdate(ctx, command("/start "+h.issue(t, "user-1")))

	h.bot.HandleUpdate(ctx, command("/alerts"))
	assert.Equal(t, replyNoAlerts, h.api.last(t))

	maxPrice := 300.0
	_, err := h.alerts.Upsert(ctx, entity.Alert{
		OwnerUserID: "user-1",
		Origin:      "SDQ",
		Destination: "BOG",
		Criteria:    entity.Criteria{MaxPrice: &maxPrice},
		Passengers:  entity.Passengers{Adults: 1},
	})
	require.NoError(t, err)
	_, err = h.alerts.Upsert(ctx, entity.Alert{
		OwnerUserID: "user-1",
		Origin:      "SDQ",
		Destination: "MIA",
		Criteria:    entity.Criteria{Month: &entity.YearMonth{Year: 2026, Month: time.May}},
		Passengers:  entity.Passengers{Adults: 1},
	})
	require.NoError(t, err)

	h.bot.HandleUpdate(ctx, command("/alerts"))
	reply := h.api.last(t)
	assert.Contains(t, reply, "SDQ → BOG up to 300.00")
	assert.Contains(t, reply, "SDQ → MIA in 2026-05 at the best price")

	h.bot.HandleUpdate(ctx, command("/stop"))
	assert.Equal(t, "Deactivated 2 alert(s).", h.api.last(t))

	active, err := h.alerts.FindActiveByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBot_Unlink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, command("/unlink"))
	assert.Equal(t, replyNotLinked, h.api.last(t))

	h.bot.HandleUpdate(ctx, command("/start "+h.issue(t, "user-1")))
	h.bot.HandleUpdate(ctx, command("/unlink"))
	assert.Equal(t, replyUnlinked, h.api.last(t))

	_, err := h.links.OwnerOf(ctx, entity.Telegram, "777")
	require.ErrorIs(t, err, entity.ErrChannelNotLinked)
}

func TestBot_IgnoresNonMessages(t *testing.T) {
	h := newHarness(t)

	h.bot.HandleUpdate(context.Background(), tgbotapi.Update{})
	h.bot.HandleUpdate(context.Background(), command("/weather"))

	require.Len(t, h.api.replies, 1)
	assert.Equal(t, replyInvalidCommand, h.api.last(t))
}

func TestBot_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	h.api.updates <- command("/help")
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.api.mu.Lock()
		defer h.api.mu.Unlock()
		return len(h.api.replies) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, h.api.stopped)
}
