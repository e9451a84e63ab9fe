package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"alertd/internal/entity"
	"alertd/pkg/logger"

	"go.uber.org/zap"
)

const (
	_defaultCodeTTL        = 15 * time.Minute
	_maxCodeIssueAttempts  = 5
	_linkingCodeUpperBound = 1_000_000
)

// LinkHook runs after a channel identity has been bound to an owner.
type LinkHook func(ctx context.Context, ownerUserID string)

// LinkingCoordinator issues short-lived single-use codes and binds
// messaging-channel identities to webapp users.
type LinkingCoordinator struct {
	repo    LinkRepository
	cache   ChannelCache
	log     *zap.Logger
	codeTTL time.Duration
	now     func() time.Time
	newCode func() (string, error)

	hooksMu sync.RWMutex
	hooks   []LinkHook
}

type LinkingOption func(*LinkingCoordinator)

func WithCodeTTL(ttl time.Duration) LinkingOption {
	return func(c *LinkingCoordinator) {
		if ttl > 0 {
			c.codeTTL = ttl
		}
	}
}

func WithChannelCache(cache ChannelCache) LinkingOption {
	return func(c *LinkingCoordinator) {
		c.cache = cache
	}
}

func NewLinkingCoordinator(repo LinkRepository, log *zap.Logger, opts ...LinkingOption) *LinkingCoordinator {
	c := &LinkingCoordinator{
		repo:    repo,
		log:     log.With(zap.String("component", "linking")),
		codeTTL: _defaultCodeTTL,
		now:     utcNow,
		newCode: randomCode,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnLinked registers a hook fired after every successful Consume.
func (c *LinkingCoordinator) OnLinked(hook LinkHook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// IssueCode creates a fresh code for owner, invalidating any previous
// unconsumed one.
func (c *LinkingCoordinator) IssueCode(ctx context.Context, ownerUserID string) (*entity.LinkingCode, error) {
	const op = "service.LinkingCoordinator.IssueCode"

	log := logger.Ctx(ctx, c.log)

	if err := entity.ValidateUserID("owner_user_id", ownerUserID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 1; attempt <= _maxCodeIssueAttempts; attempt++ {
		value, err := c.newCode()
		if err != nil {
			return nil, fmt.Errorf("%s: generate: %w", op, err)
		}
		now := c.now()
		code := entity.LinkingCode{
			Code:        value,
			OwnerUserID: ownerUserID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(c.codeTTL),
		}

		err = c.repo.ReplaceCode(ctx, code, now)
		if errors.Is(err, entity.ErrConflictingData) {
			log.Debug("linking code collision, regenerating",
				zap.String("op", op),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		log.Info("linking code issued",
			zap.String("op", op),
			zap.String("owner_user_id", ownerUserID),
			zap.Time("expires_at", code.ExpiresAt),
		)
		return &code, nil
	}
	return nil, fmt.Errorf("%s: no free code after %d attempts: %w", op, _maxCodeIssueAttempts, entity.ErrConflictingData)
}

// Consume binds channelUserID to the owner of code. Exactly one concurrent
// caller wins a given code.
func (c *LinkingCoordinator) Consume(ctx context.Context, code string, channel entity.Channel, channelUserID string) (string, error) {
	const op = "service.LinkingCoordinator.Consume"

	log := logger.Ctx(ctx, c.log)

	if err := entity.ValidateCode(code); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := entity.ValidateUserID("channel_user_id", channelUserID); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !channel.IsValid() {
		return "", fmt.Errorf("%s: unknown channel %q: %w", op, channel, entity.ErrInvalidData)
	}

	owner, err := c.repo.ConsumeCode(ctx, code, channel, channelUserID, c.now())
	if err != nil {
		log.Warn("linking code rejected",
			zap.String("op", op),
			zap.String("channel_user_id", channelUserID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%s: %w", op, err)
	}

	c.invalidate(ctx, owner, channel)

	log.Info("channel linked",
		zap.String("op", op),
		zap.String("owner_user_id", owner),
		zap.String("channel", string(channel)),
		zap.String("channel_user_id", channelUserID),
	)

	c.hooksMu.RLock()
	hooks := append([]LinkHook(nil), c.hooks...)
	c.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, owner)
	}

	return owner, nil
}

func (c *LinkingCoordinator) Unlink(ctx context.Context, channel entity.Channel, channelUserID string) error {
	const op = "service.LinkingCoordinator.Unlink"

	owner, err := c.repo.Unlink(ctx, channel, channelUserID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.invalidate(ctx, owner, channel)

	logger.Ctx(ctx, c.log).Info("channel unlinked",
		zap.String("op", op),
		zap.String("owner_user_id", owner),
		zap.String("channel_user_id", channelUserID),
	)
	return nil
}

// ResolveChannel returns the identity owner is reachable through on channel,
// or ErrChannelNotLinked.
func (c *LinkingCoordinator) ResolveChannel(ctx context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error) {
	const op = "service.LinkingCoordinator.ResolveChannel"

	if c.cache != nil {
		cached, err := c.cache.Get(ctx, ownerUserID, channel)
		if err != nil {
			logger.Ctx(ctx, c.log).Debug("channel cache read failed",
				zap.String("op", op),
				zap.Error(err),
			)
		} else if cached != nil {
			return cached, nil
		}
	}

	identity, err := c.repo.FindIdentityByOwner(ctx, ownerUserID, channel)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, ownerUserID, *identity); err != nil {
			logger.Ctx(ctx, c.log).Debug("channel cache write failed",
				zap.String("op", op),
				zap.Error(err),
			)
		}
	}
	return identity, nil
}

func (c *LinkingCoordinator) OwnerOf(ctx context.Context, channel entity.Channel, channelUserID string) (string, error) {
	const op = "service.LinkingCoordinator.OwnerOf"

	identity, err := c.repo.GetIdentity(ctx, channel, channelUserID)
	if err != nil {
		if errors.Is(err, entity.ErrDataNotFound) {
			return "", fmt.Errorf("%s: %w", op, entity.ErrChannelNotLinked)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !identity.IsLinked() {
		return "", fmt.Errorf("%s: %w", op, entity.ErrChannelNotLinked)
	}
	return *identity.LinkedOwnerUserID, nil
}

func (c *LinkingCoordinator) PurgeExpired(ctx context.Context) (int, error) {
	const op = "service.LinkingCoordinator.PurgeExpired"

	n, err := c.repo.PurgeExpiredCodes(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		logger.Ctx(ctx, c.log).Info("expired linking codes purged",
			zap.String("op", op),
			zap.Int("count", n),
		)
	}
	return n, nil
}

func (c *LinkingCoordinator) invalidate(ctx context.Context, ownerUserID string, channel entity.Channel) {
	if c.cache == nil || ownerUserID == "" {
		return
	}
	if err := c.cache.Invalidate(ctx, ownerUserID, channel); err != nil {
		logger.Ctx(ctx, c.log).Warn("channel cache invalidation failed",
			zap.String("owner_user_id", ownerUserID),
			zap.Error(err),
		)
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(_linkingCodeUpperBound))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
