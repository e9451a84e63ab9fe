package entity

import (
	"fmt"
	"strings"
	"time"
)

const LinkingCodeLength = 6

type LinkingCode struct {
	Code        string     `json:"code"`
	OwnerUserID string     `json:"owner_user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy  string     `json:"consumed_by,omitempty"`
}

func (c *LinkingCode) IsLive(now time.Time) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt)
}

// Consume marks the code used by channelUserID. The caller must hold the
// code's lock so the consumedAt check-and-set is atomic.
func (c *LinkingCode) Consume(channelUserID string, now time.Time) error {
	if c.ConsumedAt != nil {
		return ErrCodeAlreadyConsumed
	}
	if !now.Before(c.ExpiresAt) {
		return ErrCodeExpired
	}
	t := now
	c.ConsumedAt = &t
	c.ConsumedBy = channelUserID
	return nil
}

func ValidateCode(code string) error {
	if len(code) != LinkingCodeLength {
		return fmt.Errorf("code must have %d digits: %w", LinkingCodeLength, ErrInvalidData)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return fmt.Errorf("code must be numeric: %w", ErrInvalidData)
		}
	}
	return nil
}

type ChannelIdentity struct {
	Channel           Channel    `json:"channel"`
	ChannelUserID     string     `json:"channel_user_id"`
	LinkedOwnerUserID *string    `json:"linked_owner_user_id,omitempty"`
	LinkedAt          *time.Time `json:"linked_at,omitempty"`
}

func (c *ChannelIdentity) IsLinked() bool {
	return c.LinkedOwnerUserID != nil && *c.LinkedOwnerUserID != ""
}

// Bind links the identity to owner. Relinking to a different owner requires
// an explicit unlink first; binding to the same owner again is a no-op.
func (c *ChannelIdentity) Bind(ownerUserID string, now time.Time) error {
	if c.IsLinked() {
		if *c.LinkedOwnerUserID == ownerUserID {
			return nil
		}
		return ErrChannelAlreadyLinked
	}
	owner, t := ownerUserID, now
	c.LinkedOwnerUserID = &owner
	c.LinkedAt = &t
	return nil
}

func (c *ChannelIdentity) Unbind() {
	c.LinkedOwnerUserID = nil
	c.LinkedAt = nil
}

func ValidateUserID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s is required: %w", field, ErrInvalidData)
	}
	return nil
}
