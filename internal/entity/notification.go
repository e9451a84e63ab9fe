package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	Channel       string
	DeliveryState string
)

const (
	Telegram Channel = "TELEGRAM"
	Webapp   Channel = "WEBAPP"

	StatePending    DeliveryState = "PENDING"
	StateSent       DeliveryState = "SENT"
	StateFailed     DeliveryState = "FAILED"
	StateSuppressed DeliveryState = "SUPPRESSED"

	DefaultCurrency = "USD"
)

func (c Channel) IsValid() bool {
	return c == Telegram || c == Webapp
}

func (s DeliveryState) IsValid() bool {
	switch s {
	case StatePending, StateSent, StateFailed, StateSuppressed:
		return true
	}
	return false
}

// IsTerminal reports whether no further delivery attempt may happen.
func (s DeliveryState) IsTerminal() bool {
	return s == StateSent || s == StateFailed || s == StateSuppressed
}

func (s DeliveryState) String() string { return string(s) }

// PriceObservation is one fare seen by the price feed.
type PriceObservation struct {
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Date        time.Time `json:"date"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
}

func (o *PriceObservation) Normalize() {
	o.Origin = strings.ToUpper(strings.TrimSpace(o.Origin))
	o.Destination = strings.ToUpper(strings.TrimSpace(o.Destination))
	o.Currency = strings.ToUpper(strings.TrimSpace(o.Currency))
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
}

func (o *PriceObservation) Validate() error {
	if err := ValidateRoute(o.Origin, o.Destination); err != nil {
		return err
	}
	if o.Date.IsZero() {
		return fmt.Errorf("date is required: %w", ErrInvalidData)
	}
	if o.Price <= 0 {
		return fmt.Errorf("price must be positive: %w", ErrInvalidData)
	}
	return nil
}

type NotificationEvent struct {
	ID            uuid.UUID     `json:"id"`
	AlertID       uuid.UUID     `json:"alert_id"`
	OwnerUserID   string        `json:"owner_user_id"`
	Origin        string        `json:"origin"`
	Destination   string        `json:"destination"`
	TravelDate    time.Time     `json:"travel_date"`
	Price         float64       `json:"price"`
	Currency      string        `json:"currency"`
	TriggeredAt   time.Time     `json:"triggered_at"`
	Channel       Channel       `json:"channel,omitempty"`
	Target        string        `json:"target,omitempty"`
	State         DeliveryState `json:"state"`
	Held          bool          `json:"held"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	HoldUntil     time.Time     `json:"hold_until"`
	LastError     string        `json:"last_error,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Target is a resolved delivery address.
type Target struct {
	Channel     Channel
	Address     string
	OwnerUserID string
}

// Message is what a delivery channel renders for the recipient.
type Message struct {
	EventID     uuid.UUID
	AlertID     uuid.UUID
	Title       string
	Text        string
	Origin      string
	Destination string
	TravelDate  time.Time
	Price       float64
	Currency    string
}

func NewMessage(ev *NotificationEvent) Message {
	date := ev.TravelDate.Format(time.DateOnly)
	return Message{
		EventID:     ev.ID,
		AlertID:     ev.AlertID,
		Title:       fmt.Sprintf("%s → %s price alert", ev.Origin, ev.Destination),
		Text:        fmt.Sprintf("%s → %s on %s: %.2f %s", ev.Origin, ev.Destination, date, ev.Price, ev.Currency),
		Origin:      ev.Origin,
		Destination: ev.Destination,
		TravelDate:  ev.TravelDate,
		Price:       ev.Price,
		Currency:    ev.Currency,
	}
}

// DeliveryResult is the outcome of one dispatch call.
type DeliveryResult struct {
	EventID       uuid.UUID     `json:"event_id"`
	State         DeliveryState `json:"state"`
	Delivered     bool          `json:"delivered"`
	Deferred      bool          `json:"deferred"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
