// Package sender implements the outbound delivery channels.
package sender

import (
	"errors"
	"fmt"

	"alertd/internal/entity"
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, entity.ErrDeliveryTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", entity.ErrDeliveryTransient, err)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil || errors.Is(err, entity.ErrDeliveryPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", entity.ErrDeliveryPermanent, err)
}

// classifyStatus maps an HTTP status of a failed call to a delivery error.
func classifyStatus(status int, err error) error {
	switch {
	case status == 408, status == 429, status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
