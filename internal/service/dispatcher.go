package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/internal/metrics"
	"alertd/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// errNoChange aborts a repository update without writing.
var errNoChange = errors.New("no change")

type (
	// ChannelResolver finds the identity an owner is reachable through.
	ChannelResolver interface {
		ResolveChannel(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error)
	}

	claimDecision int
)

const (
	claimGranted claimDecision = iota
	claimSuppressed
	claimBusy
)

// NotificationDispatcher delivers matched events exactly as far as the
// cooldown, link and retry rules allow. Dispatch is idempotent per event.
type NotificationDispatcher struct {
	alerts   AlertRepository
	events   EventRepository
	links    ChannelResolver
	channels DeliveryChannel
	queue    Queue
	limiter  *rate.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	maxAttempts     int
	baseRetryDelay  time.Duration
	cooldown        time.Duration
	minPriceDelta   float64
	deliveryTimeout time.Duration
	holdRetention   time.Duration
	holdRecheck     time.Duration
	claimLease      time.Duration
	deferDelay      time.Duration
	channelOrder    []entity.Channel
}

func NewNotificationDispatcher(
	alerts AlertRepository,
	events EventRepository,
	links ChannelResolver,
	channels DeliveryChannel,
	queue Queue,
	log *zap.Logger,
	opts ...Option,
) (*NotificationDispatcher, error) {
	d := &NotificationDispatcher{
		alerts:          alerts,
		events:          events,
		links:           links,
		channels:        channels,
		queue:           queue,
		log:             log.With(zap.String("component", "dispatcher")),
		now:             utcNow,
		maxAttempts:     _defaultMaxAttempts,
		baseRetryDelay:  _defaultBaseRetryDelay,
		cooldown:        _defaultCooldown,
		minPriceDelta:   _defaultMinPriceDelta,
		deliveryTimeout: _defaultDeliveryTimeout,
		holdRetention:   _defaultHoldRetention,
		holdRecheck:     _defaultHoldRecheck,
		claimLease:      _defaultClaimLease,
		deferDelay:      _defaultDeferDelay,
		channelOrder:    []entity.Channel{entity.Telegram},
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("service.NewNotificationDispatcher: %w", err)
	}
	return d, nil
}

// Enqueue persists events as PENDING and publishes their ids. A failed
// publish is left to the scheduler, which re-publishes once the lease lapses.
func (d *NotificationDispatcher) Enqueue(ctx context.Context, events ...entity.NotificationEvent) error {
	const op = "service.NotificationDispatcher.Enqueue"

	if len(events) == 0 {
		return nil
	}
	log := logger.Ctx(ctx, d.log)

	now := d.now()
	for i := range events {
		ev := &events[i]
		if ev.TriggeredAt.IsZero() {
			ev.TriggeredAt = now
		}
		ev.State = entity.StatePending
		ev.HoldUntil = ev.TriggeredAt.Add(d.holdRetention)
		ev.NextAttemptAt = now.Add(d.claimLease)
		ev.UpdatedAt = now
	}

	if err := d.events.Create(ctx, events...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, ev := range events {
		if err := d.queue.Publish(ctx, ev.ID); err != nil {
			log.Warn("publish failed, scheduler will retry",
				zap.String("op", op),
				zap.String("event_id", ev.ID.String()),
				zap.Error(err),
			)
		}
	}

	log.Debug("events enqueued",
		zap.String("op", op),
		zap.Int("count", len(events)),
	)
	return nil
}

// Handle is the queue consumer entry point. Failures stay on the event and
// are picked up again by the scheduler, so the message is always settled.
func (d *NotificationDispatcher) Handle(ctx context.Context, eventID uuid.UUID) {
	const op = "service.NotificationDispatcher.Handle"

	res, err := d.Dispatch(ctx, eventID)
	if err != nil {
		logger.Ctx(ctx, d.log).Error("dispatch failed",
			zap.String("op", op),
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)
		return
	}
	logger.Ctx(ctx, d.log).Debug("dispatch handled",
		zap.String("op", op),
		zap.String("event_id", eventID.String()),
		zap.String("state", res.State.String()),
		zap.Bool("deferred", res.Deferred),
	)
}

// Dispatch runs one delivery attempt for the event.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, eventID uuid.UUID) (entity.DeliveryResult, error) {
	const op = "service.NotificationDispatcher.Dispatch"

	log := logger.Ctx(ctx, d.log).With(zap.String("op", op), zap.String("event_id", eventID.String()))
	startTime := time.Now()
	defer logSlowOperation(ctx, d.log, op, startTime, zap.String("event_id", eventID.String()))

	ev, err := d.events.GetByID(ctx, eventID)
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if ev.State.IsTerminal() {
		log.Debug("event already settled", zap.String("state", ev.State.String()))
		return resultOf(ev, false), nil
	}

	now := d.now()
	if ev.Held && !now.Before(ev.HoldUntil) {
		return d.finish(ctx, ev, entity.StateFailed, "no linked channel before hold retention expired", nil)
	}

	decision, reason, err := d.claim(ctx, ev, now)
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("%s: %w", op, err)
	}
	switch decision {
	case claimSuppressed:
		return d.finish(ctx, ev, entity.StateSuppressed, reason, nil)
	case claimBusy:
		return d.deferEvent(ctx, ev, now.Add(d.deferDelay), reason)
	}

	target, err := d.resolve(ctx, ev)
	if err != nil {
		d.release(ctx, ev)
		if errors.Is(err, entity.ErrChannelNotLinked) {
			return d.hold(ctx, ev, now)
		}
		return entity.DeliveryResult{}, fmt.Errorf("%s: resolve channel: %w", op, err)
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.release(ctx, ev)
		return d.deferEvent(ctx, ev, now.Add(d.deferDelay), "outbound rate limit reached")
	}

	sendErr := d.send(ctx, target, ev)
	if sendErr == nil {
		return d.complete(ctx, ev, target)
	}

	d.release(ctx, ev)
	if errors.Is(sendErr, entity.ErrDeliveryPermanent) {
		log.Warn("permanent delivery failure",
			zap.String("channel", string(target.Channel)),
			zap.Error(sendErr),
		)
		return d.finish(ctx, ev, entity.StateFailed, sendErr.Error(), &target)
	}
	return d.retry(ctx, ev, target, sendErr, now)
}

// Get returns the stored event.
func (d *NotificationDispatcher) Get(ctx context.Context, eventID uuid.UUID) (*entity.NotificationEvent, error) {
	ev, err := d.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("service.NotificationDispatcher.Get: %w", err)
	}
	return ev, nil
}

// ListFailed surfaces permanently failed events for operators.
func (d *NotificationDispatcher) ListFailed(ctx context.Context, limit uint64) ([]entity.NotificationEvent, error) {
	events, err := d.events.ListByState(ctx, entity.StateFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("service.NotificationDispatcher.ListFailed: %w", err)
	}
	return events, nil
}

// ReleaseHeld re-queues the events held for owner because no channel was
// linked. Registered as a LinkingCoordinator hook.
func (d *NotificationDispatcher) ReleaseHeld(ctx context.Context, ownerUserID string) {
	const op = "service.NotificationDispatcher.ReleaseHeld"

	log := logger.Ctx(ctx, d.log)
	held, err := d.events.ListHeld(ctx, ownerUserID)
	if err != nil {
		log.Error("list held events failed",
			zap.String("op", op),
			zap.String("owner_user_id", ownerUserID),
			zap.Error(err),
		)
		return
	}

	now := d.now()
	released := 0
	for _, ev := range held {
		_, err := d.events.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
			if cur.State.IsTerminal() {
				return errNoChange
			}
			cur.NextAttemptAt = now.Add(d.claimLease)
			cur.UpdatedAt = now
			return nil
		})
		if err != nil {
			continue
		}
		if err := d.queue.Publish(ctx, ev.ID); err != nil {
			log.Warn("publish held event failed",
				zap.String("op", op),
				zap.String("event_id", ev.ID.String()),
				zap.Error(err),
			)
			continue
		}
		released++
	}

	d.metrics.HeldReleased(released)
	if released > 0 {
		log.Info("held notifications released",
			zap.String("op", op),
			zap.String("owner_user_id", ownerUserID),
			zap.Int("count", released),
		)
	}
}

// Suppressed reports whether a delivery at price would repeat the last
// notification of alert inside the cooldown window.
func (d *NotificationDispatcher) Suppressed(alert *entity.Alert, price float64, now time.Time) (bool, string) {
	if alert.LastNotifiedAt == nil || alert.LastNotifiedPrice == nil {
		return false, ""
	}
	if !now.Before(alert.LastNotifiedAt.Add(d.cooldown)) {
		return false, ""
	}
	if price < *alert.LastNotifiedPrice-d.minPriceDelta {
		return false, ""
	}
	return true, fmt.Sprintf("cooldown active since %s, last price %.2f",
		alert.LastNotifiedAt.Format(time.RFC3339), *alert.LastNotifiedPrice)
}

// claim takes the per-alert delivery lease after re-checking state and
// cooldown in the same atomic step.
func (d *NotificationDispatcher) claim(ctx context.Context, ev *entity.NotificationEvent, now time.Time) (claimDecision, string, error) {
	decision := claimGranted
	var reason string

	_, err := d.alerts.Update(ctx, ev.AlertID, func(a *entity.Alert) error {
		if !a.IsActive() {
			decision, reason = claimSuppressed, "alert is "+a.State.String()
			return errNoChange
		}
		if a.HasLiveClaim(now) {
			decision, reason = claimBusy, "alert has a delivery in flight"
			return errNoChange
		}
		if suppressed, why := d.Suppressed(a, ev.Price, now); suppressed {
			decision, reason = claimSuppressed, why
			return errNoChange
		}
		a.Claim(ev.ID, now.Add(d.claimLease))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, errNoChange):
		return decision, reason, nil
	case errors.Is(err, entity.ErrAlertNotFound):
		return claimSuppressed, "alert no longer exists", nil
	default:
		return decision, reason, fmt.Errorf("claim alert: %w", err)
	}
}

func (d *NotificationDispatcher) release(ctx context.Context, ev *entity.NotificationEvent) {
	_, err := d.alerts.Update(ctx, ev.AlertID, func(a *entity.Alert) error {
		if !a.HoldsClaim(ev.ID) {
			return errNoChange
		}
		a.ReleaseClaim()
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		logger.Ctx(ctx, d.log).Warn("release alert lease failed",
			zap.String("alert_id", ev.AlertID.String()),
			zap.String("event_id", ev.ID.String()),
			zap.Error(err),
		)
	}
}

func (d *NotificationDispatcher) resolve(ctx context.Context, ev *entity.NotificationEvent) (entity.Target, error) {
	for _, ch := range d.channelOrder {
		switch ch {
		case entity.Webapp:
			return entity.Target{Channel: entity.Webapp, Address: ev.OwnerUserID, OwnerUserID: ev.OwnerUserID}, nil
		default:
			identity, err := d.links.ResolveChannel(ctx, ev.OwnerUserID, ch)
			if errors.Is(err, entity.ErrChannelNotLinked) {
				continue
			}
			if err != nil {
				return entity.Target{}, err
			}
			return entity.Target{Channel: ch, Address: identity.ChannelUserID, OwnerUserID: ev.OwnerUserID}, nil
		}
	}
	return entity.Target{}, entity.ErrChannelNotLinked
}

func (d *NotificationDispatcher) send(ctx context.Context, target entity.Target, ev *entity.NotificationEvent) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	started := time.Now()
	err := d.channels.Send(sendCtx, target, entity.NewMessage(ev))
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrDeliveryPermanent):
		result = "permanent"
	default:
		result = "transient"
		if !errors.Is(err, entity.ErrDeliveryTransient) {
			err = fmt.Errorf("%w: %w", entity.ErrDeliveryTransient, err)
		}
	}
	d.metrics.Attempt(string(target.Channel), result, time.Since(started))
	return err
}

// complete records a confirmed delivery: the event first, then the alert's
// notification bookkeeping, which also drops the lease.
func (d *NotificationDispatcher) complete(ctx context.Context, ev *entity.NotificationEvent, target entity.Target) (entity.DeliveryResult, error) {
	const op = "service.NotificationDispatcher.complete"

	now := d.now()
	updated, err := d.events.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		if cur.State.IsTerminal() {
			return errNoChange
		}
		cur.State = entity.StateSent
		cur.Channel = target.Channel
		cur.Target = target.Address
		cur.Attempts++
		cur.Held = false
		cur.LastError = ""
		cur.SentAt = &now
		cur.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		d.release(ctx, ev)
		return d.current(ctx, ev.ID)
	}
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("%s: mark sent: %w", op, err)
	}

	_, err = d.alerts.Update(ctx, ev.AlertID, func(a *entity.Alert) error {
		if a.HoldsClaim(ev.ID) {
			a.MarkNotified(now, ev.Price)
			return nil
		}
		// lease lapsed during a slow send; record the delivery, keep the other claim
		t, p := now, ev.Price
		a.LastNotifiedAt, a.LastNotifiedPrice = &t, &p
		return nil
	})
	if err != nil && !errors.Is(err, entity.ErrAlertNotFound) {
		logger.Ctx(ctx, d.log).Error("record notification on alert failed",
			zap.String("op", op),
			zap.String("alert_id", ev.AlertID.String()),
			zap.Error(err),
		)
	}

	d.metrics.Outcome(entity.StateSent.String(), string(target.Channel))
	logger.Ctx(ctx, d.log).Info("notification sent",
		zap.String("op", op),
		zap.String("event_id", ev.ID.String()),
		zap.String("alert_id", ev.AlertID.String()),
		zap.String("channel", string(target.Channel)),
		zap.Float64("price", ev.Price),
	)
	return resultOf(updated, true), nil
}

func (d *NotificationDispatcher) retry(ctx context.Context, ev *entity.NotificationEvent, target entity.Target, sendErr error, now time.Time) (entity.DeliveryResult, error) {
	const op = "service.NotificationDispatcher.retry"

	var exhausted bool
	updated, err := d.events.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		if cur.State.IsTerminal() {
			return errNoChange
		}
		cur.Attempts++
		cur.Channel = target.Channel
		cur.Target = target.Address
		cur.LastError = sendErr.Error()
		cur.UpdatedAt = now
		if cur.Attempts >= d.maxAttempts {
			exhausted = true
			cur.State = entity.StateFailed
			return nil
		}
		cur.NextAttemptAt = now.Add(d.backoff(cur.Attempts))
		return nil
	})
	if errors.Is(err, errNoChange) {
		return d.current(ctx, ev.ID)
	}
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("%s: %w", op, err)
	}

	log := logger.Ctx(ctx, d.log)
	if exhausted {
		d.metrics.Outcome(entity.StateFailed.String(), string(target.Channel))
		log.Error("delivery failed after max attempts",
			zap.String("op", op),
			zap.String("event_id", ev.ID.String()),
			zap.Int("attempts", updated.Attempts),
			zap.Error(sendErr),
		)
		return resultOf(updated, false), nil
	}

	log.Info("delivery rescheduled",
		zap.String("op", op),
		zap.String("event_id", ev.ID.String()),
		zap.Int("attempts", updated.Attempts),
		zap.Time("next_attempt", updated.NextAttemptAt),
		zap.Error(sendErr),
	)
	res := resultOf(updated, false)
	res.Deferred = true
	return res, nil
}

// backoff doubles the base delay per failed attempt: base, 2·base, 4·base…
func (d *NotificationDispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return d.baseRetryDelay * time.Duration(1<<(attempts-1))
}

func (d *NotificationDispatcher) hold(ctx context.Context, ev *entity.NotificationEvent, now time.Time) (entity.DeliveryResult, error) {
	next := now.Add(d.holdRecheck)
	if ev.HoldUntil.Before(next) {
		next = ev.HoldUntil
	}
	res, err := d.deferEvent(ctx, ev, next, entity.ErrChannelNotLinked.Error(), func(cur *entity.NotificationEvent) {
		cur.Held = true
	})
	if err == nil {
		logger.Ctx(ctx, d.log).Info("notification held until a channel is linked",
			zap.String("event_id", ev.ID.String()),
			zap.String("owner_user_id", ev.OwnerUserID),
			zap.Time("hold_until", ev.HoldUntil),
		)
	}
	return res, err
}

func (d *NotificationDispatcher) deferEvent(
	ctx context.Context,
	ev *entity.NotificationEvent,
	next time.Time,
	reason string,
	mutate ...func(*entity.NotificationEvent),
) (entity.DeliveryResult, error) {
	now := d.now()
	updated, err := d.events.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		if cur.State.IsTerminal() {
			return errNoChange
		}
		cur.NextAttemptAt = next
		cur.LastError = reason
		cur.UpdatedAt = now
		for _, m := range mutate {
			m(cur)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return d.current(ctx, ev.ID)
	}
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("service.NotificationDispatcher.deferEvent: %w", err)
	}
	res := resultOf(updated, false)
	res.Deferred = true
	return res, nil
}

func (d *NotificationDispatcher) finish(
	ctx context.Context,
	ev *entity.NotificationEvent,
	state entity.DeliveryState,
	reason string,
	target *entity.Target,
) (entity.DeliveryResult, error) {
	now := d.now()
	updated, err := d.events.Update(ctx, ev.ID, func(cur *entity.NotificationEvent) error {
		if cur.State.IsTerminal() {
			return errNoChange
		}
		cur.State = state
		cur.LastError = reason
		cur.UpdatedAt = now
		if target != nil {
			cur.Channel = target.Channel
			cur.Target = target.Address
			cur.Attempts++
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return d.current(ctx, ev.ID)
	}
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("service.NotificationDispatcher.finish: %w", err)
	}

	channel := ""
	if target != nil {
		channel = string(target.Channel)
	}
	d.metrics.Outcome(state.String(), channel)
	logger.Ctx(ctx, d.log).Info("notification settled",
		zap.String("event_id", ev.ID.String()),
		zap.String("alert_id", ev.AlertID.String()),
		zap.String("state", state.String()),
		zap.String("reason", reason),
	)
	return resultOf(updated, false), nil
}

func (d *NotificationDispatcher) current(ctx context.Context, id uuid.UUID) (entity.DeliveryResult, error) {
	ev, err := d.events.GetByID(ctx, id)
	if err != nil {
		return entity.DeliveryResult{}, fmt.Errorf("service.NotificationDispatcher.current: %w", err)
	}
	return resultOf(ev, false), nil
}

func resultOf(ev *entity.NotificationEvent, delivered bool) entity.DeliveryResult {
	res := entity.DeliveryResult{
		EventID:   ev.ID,
		State:     ev.State,
		Delivered: delivered,
		Reason:    ev.LastError,
	}
	if ev.State == entity.StatePending {
		next := ev.NextAttemptAt
		res.NextAttemptAt = &next
	}
	return res
}
