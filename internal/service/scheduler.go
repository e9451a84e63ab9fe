package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alertd/internal/metrics"
	"alertd/pkg/logger"

	"go.uber.org/zap"
)

const (
	_defaultSweepInterval = 10 * time.Second
	_defaultSweepBatch    = 100
	_defaultCleanupAge    = 30 * 24 * time.Hour
)

type (
	// CodePurger drops linking codes that can no longer be consumed.
	CodePurger interface {
		PurgeExpired(ctx context.Context) (int, error)
	}

	// SweepStats summarises one scheduler pass.
	SweepStats struct {
		Published int
		Failed    int
		Purged    int
		Codes     int
		Duration  time.Duration
	}
)

// Scheduler re-publishes events whose next attempt is due: retries,
// held events awaiting a link, and anything a crashed worker left behind.
type Scheduler struct {
	events     EventRepository
	queue      Queue
	codes      CodePurger
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	interval   time.Duration
	batchSize  uint64
	lease      time.Duration
	cleanupAge time.Duration
}

type SchedulerOption func(*Scheduler)

func WithSweepInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithSweepBatch(size uint64) SchedulerOption {
	return func(s *Scheduler) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithRepublishLease sets how long a published event stays invisible to
// the next sweep.
func WithRepublishLease(lease time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func WithCleanupAge(age time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if age > 0 {
			s.cleanupAge = age
		}
	}
}

func WithCodePurger(codes CodePurger) SchedulerOption {
	return func(s *Scheduler) {
		s.codes = codes
	}
}

func WithSchedulerMetrics(m *metrics.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

func NewScheduler(events EventRepository, queue Queue, log *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		events:     events,
		queue:      queue,
		log:        log.With(zap.String("component", "scheduler")),
		now:        utcNow,
		interval:   _defaultSweepInterval,
		batchSize:  _defaultSweepBatch,
		lease:      _defaultClaimLease,
		cleanupAge: _defaultCleanupAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil || s.queue == nil {
		return nil, errors.New("service.NewScheduler: events and queue are required")
	}
	return s, nil
}

// Run sweeps every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) Sweep(ctx context.Context) (*SweepStats, error) {
	const op = "service.Scheduler.Sweep"

	log := logger.Ctx(ctx, s.log)
	startTime := time.Now()
	stats := &SweepStats{}
	s.metrics.SchedulerTick()

	now := s.now()
	due, err := s.events.ClaimDue(ctx, now, s.lease, s.batchSize)
	if err != nil {
		stats.Duration = time.Since(startTime)
		return stats, fmt.Errorf("%s: claim due: %w", op, err)
	}

	for _, ev := range due {
		if err := s.queue.Publish(ctx, ev.ID); err != nil {
			log.Error("failed to publish",
				zap.String("op", op),
				zap.String("event_id", ev.ID.String()),
				zap.Error(err),
			)
			stats.Failed++
			continue
		}
		stats.Published++
	}

	purged, err := s.events.PurgeTerminal(ctx, now.Add(-s.cleanupAge))
	if err != nil {
		log.Warn("purge settled events failed", zap.String("op", op), zap.Error(err))
	}
	stats.Purged = purged

	if s.codes != nil {
		codes, err := s.codes.PurgeExpired(ctx)
		if err != nil {
			log.Warn("purge linking codes failed", zap.String("op", op), zap.Error(err))
		}
		stats.Codes = codes
	}

	stats.Duration = time.Since(startTime)
	if stats.Published+stats.Failed+stats.Purged > 0 {
		log.Info("sweep completed",
			zap.String("op", op),
			zap.Int("published", stats.Published),
			zap.Int("failed", stats.Failed),
			zap.Int("purged", stats.Purged),
			zap.Duration("duration", stats.Duration),
		)
	}
	return stats, nil
}
