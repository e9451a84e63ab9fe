package service

import (
	"context"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/internal/metrics"
	"alertd/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// RouteIndex finds the active alerts of one route.
	RouteIndex interface {
		FindActiveByRoute(ctx context.Context, origin, destination string) ([]entity.Alert, error)
	}

	// EventSink accepts matched events for delivery.
	EventSink interface {
		Enqueue(ctx context.Context, events ...entity.NotificationEvent) error
	}

	// IngestFailure describes one rejected observation of a batch.
	IngestFailure struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}

	IngestReport struct {
		Observed int             `json:"observed"`
		Matched  int             `json:"matched"`
		Failures []IngestFailure `json:"failures,omitempty"`
	}
)

// MatchEngine evaluates price observations against active alerts. It never
// mutates alerts; notification bookkeeping belongs to the dispatcher.
type MatchEngine struct {
	alerts  RouteIndex
	sink    EventSink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewMatchEngine(alerts RouteIndex, sink EventSink, log *zap.Logger, m *metrics.Metrics) *MatchEngine {
	return &MatchEngine{
		alerts:  alerts,
		sink:    sink,
		log:     log.With(zap.String("component", "match_engine")),
		metrics: m,
		now:     utcNow,
	}
}

// OnPriceObserved returns one event per matching alert and hands them to
// the sink when one is configured.
func (e *MatchEngine) OnPriceObserved(ctx context.Context, obs entity.PriceObservation) ([]entity.NotificationEvent, error) {
	const op = "service.MatchEngine.OnPriceObserved"

	log := logger.Ctx(ctx, e.log)
	startTime := time.Now()
	defer logSlowOperation(ctx, e.log, op, startTime,
		zap.String("route", entity.RouteKey(obs.Origin, obs.Destination)),
	)

	obs.Normalize()
	if err := obs.Validate(); err != nil {
		e.metrics.ObservePrice(false)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	e.metrics.ObservePrice(true)

	candidates, err := e.alerts.FindActiveByRoute(ctx, obs.Origin, obs.Destination)
	if err != nil {
		return nil, fmt.Errorf("%s: find candidates: %w", op, err)
	}

	now := e.now()
	var events []entity.NotificationEvent
	for i := range candidates {
		alert := &candidates[i]
		if !Matches(alert, obs) {
			continue
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("%s: new event id: %w", op, err)
		}
		events = append(events, entity.NotificationEvent{
			ID:            id,
			AlertID:       alert.ID,
			OwnerUserID:   alert.OwnerUserID,
			Origin:        obs.Origin,
			Destination:   obs.Destination,
			TravelDate:    obs.Date,
			Price:         obs.Price,
			Currency:      obs.Currency,
			TriggeredAt:   now,
			State:         entity.StatePending,
			NextAttemptAt: now,
			UpdatedAt:     now,
		})
	}

	e.metrics.AddMatches(len(events))
	log.Debug("price evaluated",
		zap.String("op", op),
		zap.String("route", entity.RouteKey(obs.Origin, obs.Destination)),
		zap.Float64("price", obs.Price),
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(events)),
	)

	if len(events) > 0 && e.sink != nil {
		if err := e.sink.Enqueue(ctx, events...); err != nil {
			return events, fmt.Errorf("%s: enqueue: %w", op, err)
		}
	}
	return events, nil
}

// Ingest evaluates a batch. A failing observation is reported and skipped;
// it never stops the rest of the batch.
func (e *MatchEngine) Ingest(ctx context.Context, batch []entity.PriceObservation) IngestReport {
	const op = "service.MatchEngine.Ingest"

	log := logger.Ctx(ctx, e.log)
	report := IngestReport{Observed: len(batch)}

	for i, obs := range batch {
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, IngestFailure{Index: i, Error: ctx.Err().Error()})
			continue
		}
		events, err := e.observeIsolated(ctx, obs)
		report.Matched += len(events)
		if err != nil {
			log.Warn("observation failed",
				zap.String("op", op),
				zap.Int("index", i),
				zap.Error(err),
			)
			report.Failures = append(report.Failures, IngestFailure{Index: i, Error: err.Error()})
		}
	}

	log.Info("price batch ingested",
		zap.String("op", op),
		zap.Int("observed", report.Observed),
		zap.Int("matched", report.Matched),
		zap.Int("failed", len(report.Failures)),
	)
	return report
}

func (e *MatchEngine) observeIsolated(ctx context.Context, obs entity.PriceObservation) (events []entity.NotificationEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			events, err = nil, fmt.Errorf("observation panicked: %v", r)
		}
	}()
	return e.OnPriceObserved(ctx, obs)
}

// Matches reports whether obs satisfies the alert's criteria. Only ACTIVE
// alerts match.
func Matches(alert *entity.Alert, obs entity.PriceObservation) bool {
	if !alert.IsActive() {
		return false
	}
	if alert.Origin != obs.Origin || alert.Destination != obs.Destination {
		return false
	}

	c := alert.Criteria
	switch c.Kind() {
	case entity.KindMonthly:
		if !c.Month.Contains(obs.Date) {
			return false
		}
		if c.MaxPrice != nil {
			return obs.Price <= *c.MaxPrice
		}
		// best-of-month: any improvement over the last notified price
		return alert.LastNotifiedPrice == nil || obs.Price < *alert.LastNotifiedPrice
	default:
		return c.MaxPrice != nil && obs.Price <= *c.MaxPrice
	}
}
