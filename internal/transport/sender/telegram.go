package sender

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"strconv"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Bot is the part of *tgbotapi.BotAPI the sender needs.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramSender struct {
	bot Bot
	log *zap.Logger
}

func NewTelegramSender(bot Bot, log *zap.Logger) *TelegramSender {
	return &TelegramSender{
		bot: bot,
		log: log.With(zap.String("component", "telegram_sender")),
	}
}

func (s *TelegramSender) Send(ctx context.Context, target entity.Target, msg entity.Message) error {
	const op = "sender.TelegramSender.Send"

	chatID, err := strconv.ParseInt(target.Address, 10, 64)
	if err != nil {
		return Permanent(fmt.Errorf("%s: invalid telegram chat_id %q: %w", op, target.Address, err))
	}
	if err := ctx.Err(); err != nil {
		return Transient(fmt.Errorf("%s: %w", op, err))
	}

	out := tgbotapi.NewMessage(chatID, renderHTML(msg))
	out.ParseMode = tgbotapi.ModeHTML
	out.DisableWebPagePreview = true

	log := logger.Ctx(ctx, s.log)
	log.Debug("sending telegram message",
		zap.Int64("chat_id", chatID),
		zap.String("event_id", msg.EventID.String()),
	)

	if _, err := s.bot.Send(out); err != nil {
		return classifyTelegram(fmt.Errorf("%s: %w", op, err))
	}

	log.Info("telegram message sent",
		zap.Int64("chat_id", chatID),
		zap.String("event_id", msg.EventID.String()),
	)
	return nil
}

func renderHTML(msg entity.Message) string {
	return "<b>" + html.EscapeString(msg.Title) + "</b>\n" + html.EscapeString(msg.Text)
}

// classifyTelegram treats a blocked bot or an unknown chat as permanent;
// throttling, server errors and network failures are retried.
func classifyTelegram(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err)
	}
	var valErr tgbotapi.Error
	if errors.As(err, &valErr) {
		return classifyStatus(valErr.Code, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	return classifyStatus(http.StatusInternalServerError, err)
}
