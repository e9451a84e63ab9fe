package service

import (
	"errors"
	"time"

	"alertd/internal/entity"
	"alertd/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	_defaultMaxAttempts     = 3
	_defaultBaseRetryDelay  = 30 * time.Second
	_defaultCooldown        = 6 * time.Hour
	_defaultMinPriceDelta   = 5.0
	_defaultDeliveryTimeout = 10 * time.Second
	_defaultHoldRetention   = 24 * time.Hour
	_defaultHoldRecheck     = 5 * time.Minute
	_defaultClaimLease      = 30 * time.Second
	_defaultDeferDelay      = 5 * time.Second
)

type Option func(*NotificationDispatcher)

func WithMaxAttempts(attempts int) Option {
	return func(d *NotificationDispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

func WithBaseRetryDelay(delay time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if delay > 0 {
			d.baseRetryDelay = delay
		}
	}
}

func WithCooldown(cooldown time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if cooldown >= 0 {
			d.cooldown = cooldown
		}
	}
}

func WithMinPriceDelta(delta float64) Option {
	return func(d *NotificationDispatcher) {
		if delta >= 0 {
			d.minPriceDelta = delta
		}
	}
}

func WithDeliveryTimeout(timeout time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if timeout > 0 {
			d.deliveryTimeout = timeout
		}
	}
}

func WithHoldRetention(retention time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if retention > 0 {
			d.holdRetention = retention
		}
	}
}

func WithHoldRecheck(interval time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if interval > 0 {
			d.holdRecheck = interval
		}
	}
}

func WithClaimLease(lease time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

func WithDeferDelay(delay time.Duration) Option {
	return func(d *NotificationDispatcher) {
		if delay > 0 {
			d.deferDelay = delay
		}
	}
}

// WithChannelOrder sets the channels tried, in order, when resolving where
// an owner is reachable.
func WithChannelOrder(channels ...entity.Channel) Option {
	return func(d *NotificationDispatcher) {
		if len(channels) > 0 {
			d.channelOrder = append([]entity.Channel(nil), channels...)
		}
	}
}

// WithSendRate caps outbound sends per minute across all workers.
func WithSendRate(perMinute, burst int) Option {
	return func(d *NotificationDispatcher) {
		if perMinute > 0 && burst > 0 {
			d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *NotificationDispatcher) {
		d.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *NotificationDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func (d *NotificationDispatcher) validate() error {
	if d.maxAttempts <= 0 {
		return errors.New("invalid max attempts: must be > 0")
	}
	if d.baseRetryDelay <= 0 {
		return errors.New("invalid base retry delay: must be > 0")
	}
	if d.deliveryTimeout <= 0 {
		return errors.New("invalid delivery timeout: must be > 0")
	}
	if d.claimLease < d.deliveryTimeout {
		return errors.New("invalid claim lease: must cover the delivery timeout")
	}
	if len(d.channelOrder) == 0 {
		return errors.New("invalid channel order: must name at least one channel")
	}
	for _, ch := range d.channelOrder {
		if !ch.IsValid() {
			return errors.New("invalid channel order: unknown channel " + string(ch))
		}
	}
	if d.channels == nil {
		return errors.New("invalid delivery channel: must be non-nil")
	}
	if d.queue == nil {
		return errors.New("invalid queue: must be non-nil")
	}
	return nil
}
