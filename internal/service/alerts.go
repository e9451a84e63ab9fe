package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errForeignAlert aborts an update on an alert owned by someone else. It is
// reported as ErrAlertNotFound so ids of other users never leak.
var errForeignAlert = errors.New("alert owned by another user")

// OwnerResolver maps a messaging-channel user to the linked webapp user.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, channel entity.Channel, channelUserID string) (string, error)
}

// AlertStore validates alerts at the boundary and keeps them in the
// repository, indexed for route lookups.
type AlertStore struct {
	repo AlertRepository
	log  *zap.Logger
	now  func() time.Time
}

func NewAlertStore(repo AlertRepository, log *zap.Logger) *AlertStore {
	return &AlertStore{
		repo: repo,
		log:  log.With(zap.String("component", "alert_store")),
		now:  utcNow,
	}
}

// Upsert creates the alert when its id is unset or unknown and otherwise
// overwrites its editable fields.
func (s *AlertStore) Upsert(ctx context.Context, alert entity.Alert) (*entity.Alert, error) {
	const op = "service.AlertStore.Upsert"

	log := logger.Ctx(ctx, s.log)
	startTime := time.Now()
	defer logSlowOperation(ctx, s.log, op, startTime, zap.String("owner_user_id", alert.OwnerUserID))

	if err := alert.Validate(); err != nil {
		log.Warn("validation failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if alert.ID == uuid.Nil {
		return s.create(ctx, op, alert)
	}

	updated, err := s.update(ctx, alert)
	if errors.Is(err, entity.ErrAlertNotFound) && !errors.Is(err, errForeignAlert) {
		created, cErr := s.create(ctx, op, alert)
		if !errors.Is(cErr, entity.ErrConflictingData) {
			return created, cErr
		}
		// lost a create race on the same id; the row exists now
		updated, err = s.update(ctx, alert)
	}
	if err != nil {
		if errors.Is(err, errForeignAlert) {
			err = entity.ErrAlertNotFound
		}
		log.Warn("upsert failed",
			zap.String("op", op),
			zap.String("alert_id", alert.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("alert updated",
		zap.String("op", op),
		zap.String("alert_id", updated.ID.String()),
		zap.String("state", updated.State.String()),
	)
	return updated, nil
}

func (s *AlertStore) create(ctx context.Context, op string, alert entity.Alert) (*entity.Alert, error) {
	now := s.now()
	if alert.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("%s: new id: %w", op, err)
		}
		alert.ID = id
	}
	alert.State = entity.AlertActive
	alert.LastNotifiedAt = nil
	alert.LastNotifiedPrice = nil
	alert.ReleaseClaim()
	alert.CreatedAt = now
	alert.UpdatedAt = now

	created, err := s.repo.Create(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("alert created",
		zap.String("op", op),
		zap.String("alert_id", created.ID.String()),
		zap.String("owner_user_id", created.OwnerUserID),
		zap.String("route", entity.RouteKey(created.Origin, created.Destination)),
		zap.String("kind", string(created.Criteria.Kind())),
	)
	return created, nil
}

func (s *AlertStore) update(ctx context.Context, alert entity.Alert) (*entity.Alert, error) {
	now := s.now()
	return s.repo.Update(ctx, alert.ID, func(cur *entity.Alert) error {
		if cur.OwnerUserID != alert.OwnerUserID {
			return fmt.Errorf("%w: %w", entity.ErrAlertNotFound, errForeignAlert)
		}
		if cur.State == entity.AlertDeactivated {
			return entity.ErrAlertDeactivated
		}
		cur.ApplyEdit(alert, now)
		return nil
	})
}

func (s *AlertStore) Get(ctx context.Context, alertID uuid.UUID, ownerUserID string) (*entity.Alert, error) {
	const op = "service.AlertStore.Get"

	alert, err := s.repo.GetByID(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if alert.OwnerUserID != ownerUserID {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrAlertNotFound)
	}
	return alert, nil
}

func (s *AlertStore) FindActiveByUser(ctx context.Context, ownerUserID string) ([]entity.Alert, error) {
	const op = "service.AlertStore.FindActiveByUser"

	if err := entity.ValidateUserID("owner_user_id", ownerUserID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	alerts, err := s.repo.FindActiveByUser(ctx, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return alerts, nil
}

func (s *AlertStore) FindActiveByRoute(ctx context.Context, origin, destination string) ([]entity.Alert, error) {
	const op = "service.AlertStore.FindActiveByRoute"

	if err := entity.ValidateRoute(origin, destination); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	alerts, err := s.repo.FindActiveByRoute(ctx, origin, destination)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return alerts, nil
}

// FindActiveByChannel lists the alerts of whoever the channel user is linked to.
func (s *AlertStore) FindActiveByChannel(ctx context.Context, owners OwnerResolver, channel entity.Channel, channelUserID string) ([]entity.Alert, error) {
	const op = "service.AlertStore.FindActiveByChannel"

	owner, err := owners.OwnerOf(ctx, channel, channelUserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.FindActiveByUser(ctx, owner)
}

func (s *AlertStore) DeactivateAll(ctx context.Context, ownerUserID string) (int, error) {
	const op = "service.AlertStore.DeactivateAll"

	if err := entity.ValidateUserID("owner_user_id", ownerUserID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	count, err := s.repo.DeactivateAll(ctx, ownerUserID, s.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("alerts deactivated",
		zap.String("op", op),
		zap.String("owner_user_id", ownerUserID),
		zap.Int("count", count),
	)
	return count, nil
}

// Deactivate returns false, without error, when the alert does not exist or
// belongs to another user.
func (s *AlertStore) Deactivate(ctx context.Context, alertID uuid.UUID, ownerUserID string) (bool, error) {
	const op = "service.AlertStore.Deactivate"

	now := s.now()
	_, err := s.repo.Update(ctx, alertID, func(cur *entity.Alert) error {
		if cur.OwnerUserID != ownerUserID {
			return errForeignAlert
		}
		return cur.Transition(entity.AlertDeactivated, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, errForeignAlert), errors.Is(err, entity.ErrAlertNotFound):
		logger.Ctx(ctx, s.log).Debug("deactivate ignored",
			zap.String("op", op),
			zap.String("alert_id", alertID.String()),
		)
		return false, nil
	default:
		return false, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("alert deactivated",
		zap.String("op", op),
		zap.String("alert_id", alertID.String()),
	)
	return true, nil
}

// SetState pauses or resumes an alert. Deactivated alerts stay deactivated.
func (s *AlertStore) SetState(ctx context.Context, alertID uuid.UUID, ownerUserID string, state entity.AlertState) (*entity.Alert, error) {
	const op = "service.AlertStore.SetState"

	now := s.now()
	alert, err := s.repo.Update(ctx, alertID, func(cur *entity.Alert) error {
		if cur.OwnerUserID != ownerUserID {
			return errForeignAlert
		}
		return cur.Transition(state, now)
	})
	if err != nil {
		if errors.Is(err, errForeignAlert) {
			err = entity.ErrAlertNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("alert state changed",
		zap.String("op", op),
		zap.String("alert_id", alertID.String()),
		zap.String("state", state.String()),
	)
	return alert, nil
}
