// nolint: revive,staticcheck
// swagger:meta
package httpt

import (
	"fmt"
	"strings"
	"time"

	"alertd/internal/entity"

	"github.com/google/uuid"
)

// swagger:model AlertRequest
type AlertRequest struct {
	Origin      string   `json:"origin"                binding:"required" example:"SDQ"`
	Destination string   `json:"destination"           binding:"required" example:"BOG"`
	MaxPrice    *float64 `json:"max_price,omitempty"                      example:"300"`
	Month       string   `json:"month,omitempty"                          example:"2026-04"`
	Adults      int      `json:"adults"                                   example:"2"`
	Children    int      `json:"children"                                 example:"0"`
	Infants     int      `json:"infants"                                  example:"1"`
}

func (r AlertRequest) toEntity(ownerUserID string, id uuid.UUID) (entity.Alert, error) {
	a := entity.Alert{
		ID:          id,
		OwnerUserID: ownerUserID,
		Origin:      strings.ToUpper(strings.TrimSpace(r.Origin)),
		Destination: strings.ToUpper(strings.TrimSpace(r.Destination)),
		Criteria:    entity.Criteria{MaxPrice: r.MaxPrice},
		Passengers: entity.Passengers{
			Adults:   r.Adults,
			Children: r.Children,
			Infants:  r.Infants,
		},
	}
	if r.Month != "" {
		ym, err := entity.ParseYearMonth(r.Month)
		if err != nil {
			return entity.Alert{}, err
		}
		a.Criteria.Month = &ym
	}
	return a, nil
}

// swagger:model AlertResponse
type AlertResponse struct {
	ID                string     `json:"id"                            example:"0195a0f4-8a5e-7b1c-9d2e-3f4a5b6c7d8e"`
	OwnerUserID       string     `json:"owner_user_id"                 example:"user-42"`
	Origin            string     `json:"origin"                        example:"SDQ"`
	Destination       string     `json:"destination"                   example:"BOG"`
	Kind              string     `json:"kind"                          example:"SPECIFIC"`
	MaxPrice          *float64   `json:"max_price,omitempty"           example:"300"`
	Month             string     `json:"month,omitempty"               example:"2026-04"`
	Adults            int        `json:"adults"                        example:"2"`
	Children          int        `json:"children"                      example:"0"`
	Infants           int        `json:"infants"                       example:"1"`
	State             string     `json:"state"                         example:"ACTIVE"`
	LastNotifiedAt    *time.Time `json:"last_notified_at,omitempty"`
	LastNotifiedPrice *float64   `json:"last_notified_price,omitempty" example:"280"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newAlertResponse(a *entity.Alert) AlertResponse {
	resp := AlertResponse{
		ID:                a.ID.String(),
		OwnerUserID:       a.OwnerUserID,
		Origin:            a.Origin,
		Destination:       a.Destination,
		Kind:              string(a.Criteria.Kind()),
		MaxPrice:          a.Criteria.MaxPrice,
		Adults:            a.Passengers.Adults,
		Children:          a.Passengers.Children,
		Infants:           a.Passengers.Infants,
		State:             a.State.String(),
		LastNotifiedAt:    a.LastNotifiedAt,
		LastNotifiedPrice: a.LastNotifiedPrice,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
	if a.Criteria.Month != nil {
		resp.Month = a.Criteria.Month.String()
	}
	return resp
}

// swagger:model AlertStateRequest
type AlertStateRequest struct {
	State string `json:"state" binding:"required" example:"PAUSED"`
}

// swagger:model LinkCodeResponse
type LinkCodeResponse struct {
	Code      string    `json:"code"       example:"042137"`
	ExpiresAt time.Time `json:"expires_at" example:"2026-03-01T12:15:00Z"`
}

// swagger:model ConsumeCodeRequest
type ConsumeCodeRequest struct {
	Code          string `json:"code"            binding:"required" example:"042137"`
	Channel       string `json:"channel"                            example:"TELEGRAM"`
	ChannelUserID string `json:"channel_user_id" binding:"required" example:"123456789"`
}

// swagger:model ConsumeCodeResponse
type ConsumeCodeResponse struct {
	OwnerUserID string `json:"owner_user_id" example:"user-42"`
}

// swagger:model PriceObservationRequest
type PriceObservationRequest struct {
	Origin      string  `json:"origin"      example:"SDQ"`
	Destination string  `json:"destination" example:"BOG"`
	Date        string  `json:"date"        example:"2026-04-10"`
	Price       float64 `json:"price"       example:"280"`
	Currency    string  `json:"currency"    example:"USD"`
}

// toEntity accepts a plain date or an RFC 3339 timestamp; only the calendar
// day is kept.
func (r PriceObservationRequest) toEntity() (entity.PriceObservation, error) {
	date, err := time.Parse(time.DateOnly, r.Date)
	if err != nil {
		ts, tsErr := time.Parse(time.RFC3339, r.Date)
		if tsErr != nil {
			return entity.PriceObservation{}, fmt.Errorf("date %q must be YYYY-MM-DD: %w", r.Date, entity.ErrInvalidData)
		}
		date = time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	return entity.PriceObservation{
		Origin:      r.Origin,
		Destination: r.Destination,
		Date:        date,
		Price:       r.Price,
		Currency:    r.Currency,
	}, nil
}

// swagger:model PriceBatchRequest
type PriceBatchRequest struct {
	Observations []PriceObservationRequest `json:"observations" binding:"required"`
}

// swagger:model ErrorResponse
type ErrorResponse struct {
	Error   string `json:"error"             example:"alert not found"`
	Code    string `json:"code,omitempty"    example:"not_found"`
	Details string `json:"details,omitempty" example:"service.AlertStore.Get: alert not found"`
}

// swagger:model SuccessResponse
type SuccessResponse struct {
	Message string `json:"message" example:"alert deactivated"`
	Count   *int   `json:"count,omitempty" example:"3"`
}
