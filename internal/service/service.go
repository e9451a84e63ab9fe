package service

import (
	"context"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const _slowOperationThreshold = 200 * time.Millisecond

type (
	// AlertRepository persists alerts. Update must run fn and persist its
	// result atomically per alert; an error from fn aborts without writing.
	AlertRepository interface {
		Create(ctx context.Context, alert entity.Alert) (*entity.Alert, error)
		GetByID(ctx context.Context, id uuid.UUID) (*entity.Alert, error)
		FindActiveByUser(ctx context.Context, ownerUserID string) ([]entity.Alert, error)
		FindActiveByRoute(ctx context.Context, origin, destination string) ([]entity.Alert, error)
		DeactivateAll(ctx context.Context, ownerUserID string, now time.Time) (int, error)
		Update(ctx context.Context, id uuid.UUID, fn func(*entity.Alert) error) (*entity.Alert, error)
	}

	// LinkRepository persists linking codes and channel identities.
	// ConsumeCode must be atomic: one winner per code.
	LinkRepository interface {
		ReplaceCode(ctx context.Context, code entity.LinkingCode, now time.Time) error
		ConsumeCode(ctx context.Context, code string, channel entity.Channel, channelUserID string, now time.Time) (string, error)
		GetIdentity(ctx context.Context, channel entity.Channel, channelUserID string) (*entity.ChannelIdentity, error)
		FindIdentityByOwner(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error)
		Unlink(ctx context.Context, channel entity.Channel, channelUserID string) (string, error)
		PurgeExpiredCodes(ctx context.Context, before time.Time) (int, error)
	}

	// EventRepository persists notification events.
	EventRepository interface {
		Create(ctx context.Context, events ...entity.NotificationEvent) error
		GetByID(ctx context.Context, id uuid.UUID) (*entity.NotificationEvent, error)
		Update(ctx context.Context, id uuid.UUID, fn func(*entity.NotificationEvent) error) (*entity.NotificationEvent, error)
		ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit uint64) ([]entity.NotificationEvent, error)
		ListHeld(ctx context.Context, ownerUserID string) ([]entity.NotificationEvent, error)
		ListByState(ctx context.Context, state entity.DeliveryState, limit uint64) ([]entity.NotificationEvent, error)
		PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	}

	// ChannelCache caches owner → channel identity resolution. Get returns
	// nil, nil on a miss.
	ChannelCache interface {
		Get(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error)
		Set(ctx context.Context, ownerUserID string, identity entity.ChannelIdentity) error
		Invalidate(ctx context.Context, ownerUserID string, channel entity.Channel) error
	}

	// DeliveryChannel sends one rendered message to a resolved target.
	DeliveryChannel interface {
		Send(ctx context.Context, target entity.Target, msg entity.Message) error
	}

	// Queue hands event ids from the producers to the dispatch workers.
	Queue interface {
		Publish(ctx context.Context, eventID uuid.UUID) error
	}
)

func logSlowOperation(ctx context.Context, log *zap.Logger, op string, startTime time.Time, fields ...zap.Field) {
	duration := time.Since(startTime)
	if duration > _slowOperationThreshold {
		fields = append(fields,
			zap.String("op", op),
			zap.Duration("duration", duration),
		)
		logger.Ctx(ctx, log).Warn("slow operation detected", fields...)
	}
}

func utcNow() time.Time { return time.Now().UTC() }
