package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"go.uber.org/zap"
)

const _maxErrorBody = 512

// WebhookSender posts in-app notifications to the webapp.
type WebhookSender struct {
	client *http.Client
	url    string
	token  string
	log    *zap.Logger
}

type webhookPayload struct {
	EventID     string    `json:"event_id"`
	AlertID     string    `json:"alert_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	TravelDate  string    `json:"travel_date"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	SentAt      time.Time `json:"sent_at"`
}

func NewWebhookSender(client *http.Client, url, token string, log *zap.Logger) *WebhookSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSender{
		client: client,
		url:    url,
		token:  token,
		log:    log.With(zap.String("component", "webhook_sender")),
	}
}

func (s *WebhookSender) Send(ctx context.Context, target entity.Target, msg entity.Message) error {
	const op = "sender.WebhookSender.Send"

	body, err := json.Marshal(webhookPayload{
		EventID:     msg.EventID.String(),
		AlertID:     msg.AlertID.String(),
		UserID:      target.Address,
		Title:       msg.Title,
		Text:        msg.Text,
		Origin:      msg.Origin,
		Destination: msg.Destination,
		TravelDate:  msg.TravelDate.Format(time.DateOnly),
		Price:       msg.Price,
		Currency:    msg.Currency,
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("%s: marshal: %w", op, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("%s: build request: %w", op, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.EventID.String())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, _maxErrorBody))
		return classifyStatus(resp.StatusCode,
			fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, bytes.TrimSpace(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Ctx(ctx, s.log).Info("webapp notification stored",
		zap.String("user_id", target.Address),
		zap.String("event_id", msg.EventID.String()),
	)
	return nil
}
