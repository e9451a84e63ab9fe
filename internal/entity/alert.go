package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	AlertState string
	AlertKind  string
)

const (
	AlertActive      AlertState = "ACTIVE"
	AlertPaused      AlertState = "PAUSED"
	AlertDeactivated AlertState = "DEACTIVATED"

	KindSpecific AlertKind = "SPECIFIC"
	KindMonthly  AlertKind = "MONTHLY"
)

func (s AlertState) IsValid() bool {
	switch s {
	case AlertActive, AlertPaused, AlertDeactivated:
		return true
	}
	return false
}

func (s AlertState) String() string { return string(s) }

// YearMonth is a calendar month used as a monthly alert window.
type YearMonth struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func ParseYearMonth(s string) (YearMonth, error) {
	year, month, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return YearMonth{}, fmt.Errorf("month window %q must be YYYY-MM: %w", s, ErrInvalidData)
	}
	y, err := strconv.Atoi(year)
	if err != nil || len(year) != 4 {
		return YearMonth{}, fmt.Errorf("month window %q has invalid year: %w", s, ErrInvalidData)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return YearMonth{}, fmt.Errorf("month window %q has invalid month: %w", s, ErrInvalidData)
	}
	return YearMonth{Year: y, Month: time.Month(m)}, nil
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month))
}

// Contains reports whether the calendar day of t falls inside the month.
func (ym YearMonth) Contains(t time.Time) bool {
	return t.Year() == ym.Year && t.Month() == ym.Month
}

func (ym YearMonth) IsZero() bool { return ym.Year == 0 && ym.Month == 0 }

type Criteria struct {
	MaxPrice *float64  `json:"max_price,omitempty"`
	Month    *YearMonth `json:"month,omitempty"`
}

func (c Criteria) Kind() AlertKind {
	if c.Month != nil {
		return KindMonthly
	}
	return KindSpecific
}

type Passengers struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Infants  int `json:"infants"`
}

type Alert struct {
	ID                uuid.UUID  `json:"id"`
	OwnerUserID       string     `json:"owner_user_id"`
	Origin            string     `json:"origin"`
	Destination       string     `json:"destination"`
	Criteria          Criteria   `json:"criteria"`
	Passengers        Passengers `json:"passengers"`
	State             AlertState `json:"state"`
	LastNotifiedAt    *time.Time `json:"last_notified_at,omitempty"`
	LastNotifiedPrice *float64   `json:"last_notified_price,omitempty"`
	ClaimEventID      *uuid.UUID `json:"-"`
	ClaimExpiresAt    *time.Time `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Validate checks the user-editable part of an alert.
func (a *Alert) Validate() error {
	if strings.TrimSpace(a.OwnerUserID) == "" {
		return fmt.Errorf("owner_user_id is required: %w", ErrInvalidData)
	}
	if err := ValidateRoute(a.Origin, a.Destination); err != nil {
		return err
	}
	if a.Criteria.MaxPrice == nil && a.Criteria.Month == nil {
		return fmt.Errorf("criteria needs max_price or month: %w", ErrInvalidData)
	}
	if a.Criteria.MaxPrice != nil && *a.Criteria.MaxPrice <= 0 {
		return fmt.Errorf("max_price must be positive: %w", ErrInvalidData)
	}
	if m := a.Criteria.Month; m != nil && (m.Year < 1 || m.Month < time.January || m.Month > time.December) {
		return fmt.Errorf("month window %s is invalid: %w", m, ErrInvalidData)
	}
	p := a.Passengers
	if p.Adults < 1 || p.Children < 0 || p.Infants < 0 {
		return fmt.Errorf("passengers need at least one adult and no negative counts: %w", ErrInvalidData)
	}
	if p.Infants > p.Adults {
		return fmt.Errorf("each infant needs an adult: %w", ErrInvalidData)
	}
	if a.State != "" && !a.State.IsValid() {
		return fmt.Errorf("unknown state %q: %w", a.State, ErrInvalidData)
	}
	return nil
}

func (a *Alert) IsActive() bool { return a.State == AlertActive }

// Transition moves the alert to next. DEACTIVATED is terminal.
func (a *Alert) Transition(next AlertState, now time.Time) error {
	if !next.IsValid() {
		return fmt.Errorf("unknown state %q: %w", next, ErrInvalidData)
	}
	if a.State == AlertDeactivated {
		if next == AlertDeactivated {
			return nil
		}
		return ErrAlertDeactivated
	}
	a.State = next
	a.UpdatedAt = now
	if next == AlertDeactivated {
		a.ReleaseClaim()
	}
	return nil
}

// HasLiveClaim reports whether some dispatch currently holds the alert lease.
func (a *Alert) HasLiveClaim(now time.Time) bool {
	return a.ClaimEventID != nil && a.ClaimExpiresAt != nil && now.Before(*a.ClaimExpiresAt)
}

func (a *Alert) Claim(eventID uuid.UUID, until time.Time) {
	id := eventID
	a.ClaimEventID = &id
	a.ClaimExpiresAt = &until
}

func (a *Alert) HoldsClaim(eventID uuid.UUID) bool {
	return a.ClaimEventID != nil && *a.ClaimEventID == eventID
}

func (a *Alert) ReleaseClaim() {
	a.ClaimEventID = nil
	a.ClaimExpiresAt = nil
}

// MarkNotified records a confirmed delivery and drops the lease.
func (a *Alert) MarkNotified(at time.Time, price float64) {
	t, p := at, price
	a.LastNotifiedAt = &t
	a.LastNotifiedPrice = &p
	a.UpdatedAt = at
	a.ReleaseClaim()
}

// ApplyEdit copies the user-editable fields of src, keeping identity and
// notification bookkeeping.
func (a *Alert) ApplyEdit(src Alert, now time.Time) {
	a.Origin = src.Origin
	a.Destination = src.Destination
	a.Criteria = src.Criteria
	a.Passengers = src.Passengers
	if src.State != "" && src.State != AlertDeactivated {
		a.State = src.State
	}
	a.UpdatedAt = now
}

func ValidateRoute(origin, destination string) error {
	if !isLocationCode(origin) {
		return fmt.Errorf("origin %q must be a 3-letter uppercase code: %w", origin, ErrInvalidData)
	}
	if !isLocationCode(destination) {
		return fmt.Errorf("destination %q must be a 3-letter uppercase code: %w", destination, ErrInvalidData)
	}
	if origin == destination {
		return fmt.Errorf("origin and destination must differ: %w", ErrInvalidData)
	}
	return nil
}

func isLocationCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func RouteKey(origin, destination string) string {
	return origin + "-" + destination
}
