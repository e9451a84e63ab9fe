// Package telegram runs the long-polling bot users link their chats with.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"alertd/internal/entity"
	"alertd/internal/service"
	"alertd/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	_pollTimeout   = 30
	_handleTimeout = 5 * time.Second
)

const (
	replyHelp = "Send /start <code> with the code from the website to get price alerts here.\n" +
		"/alerts lists your active alerts, /stop turns them all off, /unlink disconnects this chat."
	replyLinked         = "This chat is now linked. Price alerts will arrive here."
	replyCodeNotFound   = "This code is not valid. Request a new one on the website."
	replyCodeExpired    = "This code has expired. Request a new one on the website."
	replyCodeUsed       = "This code was already used."
	replyAlreadyLinked  = "This chat is already linked to another account. Send /unlink first."
	replyNotLinked      = "This chat is not linked yet. " + replyHelp
	replyUnlinked       = "This chat is unlinked. You will not receive alerts here anymore."
	replyNoAlerts       = "You have no active alerts."
	replyInternal       = "Something went wrong, please try again later."
	replyInvalidCommand = "Unknown command. " + replyHelp
)

type (
	API interface {
		GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
		StopReceivingUpdates()
		Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	}

	Linker interface {
		service.OwnerResolver
		Consume(ctx context.Context, code string, channel entity.Channel, channelUserID string) (string, error)
		Unlink(ctx context.Context, channel entity.Channel, channelUserID string) error
	}

	Alerts interface {
		FindActiveByChannel(ctx context.Context, owners service.OwnerResolver, channel entity.Channel, channelUserID string) ([]entity.Alert, error)
		DeactivateAll(ctx context.Context, ownerUserID string) (int, error)
	}
)

type Bot struct {
	api    API
	links  Linker
	alerts Alerts
	log    *zap.Logger
}

func NewBot(api API, links Linker, alerts Alerts, log *zap.Logger) *Bot {
	return &Bot{
		api:    api,
		links:  links,
		alerts: alerts,
		log:    log.With(zap.String("component", "telegram_bot")),
	}
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = _pollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.log.Info("telegram bot polling")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram.Bot.Run: updates channel closed")
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate answers one incoming message.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	ctx = logger.SetRequestID(ctx, logger.GenerateRequestID())
	ctx, cancel := context.WithTimeout(ctx, _handleTimeout)
	defer cancel()

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	reply := b.dispatch(ctx, chatID, msg)

	out := tgbotapi.NewMessage(msg.Chat.ID, reply)
	if _, err := b.api.Send(out); err != nil {
		logger.Ctx(ctx, b.log).Warn("reply failed",
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
	}
}

func (b *Bot) dispatch(ctx context.Context, chatID string, msg *tgbotapi.Message) string {
	if !msg.IsCommand() {
		return replyHelp
	}
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "link":
		if args == "" {
			return replyHelp
		}
		return b.link(ctx, chatID, args)
	case "unlink":
		return b.unlink(ctx, chatID)
	case "alerts":
		return b.list(ctx, chatID)
	case "stop":
		return b.stop(ctx, chatID)
	case "help":
		return replyHelp
	default:
		return replyInvalidCommand
	}
}

func (b *Bot) link(ctx context.Context, chatID, code string) string {
	_, err := b.links.Consume(ctx, code, entity.Telegram, chatID)
	switch {
	case err == nil:
		return replyLinked
	case errors.Is(err, entity.ErrCodeExpired):
		return replyCodeExpired
	case errors.Is(err, entity.ErrCodeAlreadyConsumed):
		return replyCodeUsed
	case errors.Is(err, entity.ErrChannelAlreadyLinked):
		return replyAlreadyLinked
	case errors.Is(err, entity.ErrCodeNotFound), errors.Is(err, entity.ErrInvalidData):
		return replyCodeNotFound
	default:
		return b.internal(ctx, "link", err)
	}
}

func (b *Bot) unlink(ctx context.Context, chatID string) string {
	err := b.links.Unlink(ctx, entity.Telegram, chatID)
	switch {
	case err == nil:
		return replyUnlinked
	case errors.Is(err, entity.ErrChannelNotLinked):
		return replyNotLinked
	default:
		return b.internal(ctx, "unlink", err)
	}
}

func (b *Bot) list(ctx context.Context, chatID string) string {
	alerts, err := b.alerts.FindActiveByChannel(ctx, b.links, entity.Telegram, chatID)
	switch {
	case errors.Is(err, entity.ErrChannelNotLinked):
		return replyNotLinked
	case err != nil:
		return b.internal(ctx, "alerts", err)
	case len(alerts) == 0:
		return replyNoAlerts
	}

	var sb strings.Builder
	sb.WriteString("Your active alerts:\n")
	for _, a := range alerts {
		sb.WriteString("• ")
		sb.WriteString(describe(a))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) stop(ctx context.Context, chatID string) string {
	owner, err := b.links.OwnerOf(ctx, entity.Telegram, chatID)
	switch {
	case errors.Is(err, entity.ErrChannelNotLinked):
		return replyNotLinked
	case err != nil:
		return b.internal(ctx, "stop", err)
	}

	n, err := b.alerts.DeactivateAll(ctx, owner)
	if err != nil {
		return b.internal(ctx, "stop", err)
	}
	return fmt.Sprintf("Deactivated %d alert(s).", n)
}

func (b *Bot) internal(ctx context.Context, command string, err error) string {
	logger.Ctx(ctx, b.log).Error("command failed",
		zap.String("command", command),
		zap.Error(err),
	)
	return replyInternal
}

func describe(a entity.Alert) string {
	s := a.Origin + " → " + a.Destination
	if a.Criteria.Month != nil {
		s += " in " + a.Criteria.Month.String()
	}
	if a.Criteria.MaxPrice != nil {
		s += fmt.Sprintf(" up to %.2f", *a.Criteria.MaxPrice)
	} else {
		s += " at the best price"
	}
	return s
}
