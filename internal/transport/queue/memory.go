// Package queue is the in-process event queue used when no broker is
// configured.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"alertd/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const _defaultCapacity = 1024

// ErrFull is returned by Publish when the buffer is saturated. The scheduler
// re-publishes the event once its lease lapses.
var ErrFull = errors.New("queue is full")

type Handler func(ctx context.Context, eventID uuid.UUID)

type MemoryQueue struct {
	ch  chan uuid.UUID
	log *zap.Logger
}

func NewMemoryQueue(capacity int, log *zap.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = _defaultCapacity
	}
	return &MemoryQueue{
		ch:  make(chan uuid.UUID, capacity),
		log: log.With(zap.String("component", "memory_queue")),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, eventID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("queue.MemoryQueue.Publish: %w", err)
	}
	select {
	case q.ch <- eventID:
		return nil
	default:
		return fmt.Errorf("queue.MemoryQueue.Publish: %w", ErrFull)
	}
}

func (q *MemoryQueue) Len() int { return len(q.ch) }

// Consume runs workers handlers until ctx is done. Ids still buffered at
// shutdown stay pending in storage and are swept again on restart.
func (q *MemoryQueue) Consume(ctx context.Context, workers int, handle Handler) error {
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-q.ch:
					handle(logger.SetRequestID(ctx, logger.GenerateRequestID()), id)
				}
			}
		}()
	}
	wg.Wait()

	q.log.Debug("memory queue consumers stopped", zap.Int("buffered", len(q.ch)))
	return nil
}
