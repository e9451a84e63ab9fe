package entity

import "errors"

var (
	ErrDataNotFound    = errors.New("data not found")
	ErrConflictingData = errors.New("conflicting data")
	ErrInvalidData     = errors.New("invalid data")

	ErrAlertNotFound    = errors.New("alert not found")
	ErrAlertDeactivated = errors.New("alert is deactivated")
	ErrInvalidState     = errors.New("invalid alert state transition")

	ErrCodeNotFound         = errors.New("linking code not found")
	ErrCodeExpired          = errors.New("linking code expired")
	ErrCodeAlreadyConsumed  = errors.New("linking code already consumed")
	ErrChannelAlreadyLinked = errors.New("channel already linked to another account")
	ErrChannelNotLinked     = errors.New("channel not linked")

	ErrEventNotFound     = errors.New("notification event not found")
	ErrDeliveryTransient = errors.New("transient delivery failure")
	ErrDeliveryPermanent = errors.New("permanent delivery failure")
)
