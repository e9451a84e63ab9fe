package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alertd/internal/entity"
)

type LinkRepository struct {
	mu         sync.Mutex
	codes      map[string]*entity.LinkingCode
	liveByUser map[string]string
	identities map[string]*entity.ChannelIdentity
}

func NewLinkRepository() *LinkRepository {
	return &LinkRepository{
		codes:      make(map[string]*entity.LinkingCode),
		liveByUser: make(map[string]string),
		identities: make(map[string]*entity.ChannelIdentity),
	}
}

// ReplaceCode stores code as the owner's only live code. A collision with
// another live code is reported as ErrConflictingData.
func (r *LinkRepository) ReplaceCode(_ context.Context, code entity.LinkingCode, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.codes[code.Code]; ok && existing.IsLive(now) {
		return fmt.Errorf("memory.LinkRepository.ReplaceCode: %w", entity.ErrConflictingData)
	}
	if prev, ok := r.liveByUser[code.OwnerUserID]; ok {
		if c := r.codes[prev]; c != nil && c.ConsumedAt == nil {
			delete(r.codes, prev)
		}
	}
	stored := code
	r.codes[code.Code] = &stored
	r.liveByUser[code.OwnerUserID] = code.Code
	return nil
}

func (r *LinkRepository) ConsumeCode(_ context.Context, code string, channel entity.Channel, channelUserID string, now time.Time) (string, error) {
	const op = "memory.LinkRepository.ConsumeCode"

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok {
		return "", fmt.Errorf("%s: %w", op, entity.ErrCodeNotFound)
	}

	key := identityKey(channel, channelUserID)
	identity, ok := r.identities[key]
	if !ok {
		identity = &entity.ChannelIdentity{Channel: channel, ChannelUserID: channelUserID}
	}

	// consume on copies so a rejected bind leaves the code usable
	nextCode, nextIdentity := *c, *identity
	if err := nextCode.Consume(channelUserID, now); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := nextIdentity.Bind(c.OwnerUserID, now); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	*c = nextCode
	r.identities[key] = &nextIdentity
	if r.liveByUser[c.OwnerUserID] == code {
		delete(r.liveByUser, c.OwnerUserID)
	}
	return c.OwnerUserID, nil
}

func (r *LinkRepository) GetIdentity(_ context.Context, channel entity.Channel, channelUserID string) (*entity.ChannelIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[identityKey(channel, channelUserID)]
	if !ok {
		return nil, fmt.Errorf("memory.LinkRepository.GetIdentity: %w", entity.ErrDataNotFound)
	}
	out := *identity
	return &out, nil
}

// FindIdentityByOwner returns the most recently linked identity of owner on
// channel.
func (r *LinkRepository) FindIdentityByOwner(_ context.Context, ownerUserID string, channel entity.Channel) (*entity.ChannelIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *entity.ChannelIdentity
	for _, identity := range r.identities {
		if identity.Channel != channel || !identity.IsLinked() || *identity.LinkedOwnerUserID != ownerUserID {
			continue
		}
		if found == nil || identity.LinkedAt.After(*found.LinkedAt) {
			found = identity
		}
	}
	if found == nil {
		return nil, fmt.Errorf("memory.LinkRepository.FindIdentityByOwner: %w", entity.ErrChannelNotLinked)
	}
	out := *found
	return &out, nil
}

func (r *LinkRepository) Unlink(_ context.Context, channel entity.Channel, channelUserID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[identityKey(channel, channelUserID)]
	if !ok || !identity.IsLinked() {
		return "", fmt.Errorf("memory.LinkRepository.Unlink: %w", entity.ErrChannelNotLinked)
	}
	owner := *identity.LinkedOwnerUserID
	identity.Unbind()
	return owner, nil
}

// PurgeExpiredCodes drops codes that expired before the given time.
// Consumed codes go with them once expired.
func (r *LinkRepository) PurgeExpiredCodes(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for value, c := range r.codes {
		if c.ExpiresAt.Before(before) {
			delete(r.codes, value)
			if r.liveByUser[c.OwnerUserID] == value {
				delete(r.liveByUser, c.OwnerUserID)
			}
			n++
		}
	}
	return n, nil
}

func identityKey(channel entity.Channel, channelUserID string) string {
	return string(channel) + ":" + channelUserID
}
