// Package amqp carries notification event ids between producers and dispatch
// workers over RabbitMQ.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"alertd/pkg/logger"
	"alertd/pkg/rabbit"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one event id. Failures are recorded on the event itself,
// so every delivery is acked once the handler returns.
type Handler func(ctx context.Context, eventID uuid.UUID)

type message struct {
	EventID uuid.UUID `json:"event_id"`
}

type broker interface {
	Publish(ctx context.Context, body []byte) error
	Consume(consumer string) (<-chan amqp.Delivery, error)
}

type RabbitQueue struct {
	broker   broker
	consumer string
	log      *zap.Logger
}

var _ broker = (*rabbit.Queue)(nil)

func NewRabbitQueue(q *rabbit.Queue, consumer string, log *zap.Logger) *RabbitQueue {
	return &RabbitQueue{
		broker:   q,
		consumer: consumer,
		log:      log.With(zap.String("component", "rabbit_queue")),
	}
}

func (q *RabbitQueue) Publish(ctx context.Context, eventID uuid.UUID) error {
	const op = "amqp.RabbitQueue.Publish"

	body, err := json.Marshal(message{EventID: eventID})
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", op, err)
	}
	if err := q.broker.Publish(ctx, body); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Consume runs workers consumers until ctx is done or the broker closes the
// delivery channel.
func (q *RabbitQueue) Consume(ctx context.Context, workers int, handle Handler) error {
	const op = "amqp.RabbitQueue.Consume"

	if workers < 1 {
		workers = 1
	}
	deliveries, err := q.broker.Consume(q.consumer)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.work(ctx, worker, deliveries, handle)
		}(i)
	}
	wg.Wait()

	if ctx.Err() == nil {
		return fmt.Errorf("%s: delivery channel closed", op)
	}
	return nil
}

func (q *RabbitQueue) work(ctx context.Context, worker int, deliveries <-chan amqp.Delivery, handle Handler) {
	log := q.log.With(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			requestID := d.MessageId
			if requestID == "" {
				requestID = logger.GenerateRequestID()
			}
			q.process(logger.SetRequestID(ctx, requestID), log, d, handle)
		}
	}
}

func (q *RabbitQueue) process(ctx context.Context, log *zap.Logger, d amqp.Delivery, handle Handler) {
	eventID, err := decode(d.Body)
	if err != nil {
		log.Warn("dropping malformed message", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			log.Error("nack failed", zap.Error(err))
		}
		return
	}

	handle(ctx, eventID)

	if err := d.Ack(false); err != nil {
		log.Error("ack failed",
			zap.String("event_id", eventID.String()),
			zap.Error(err),
		)
	}
}

func decode(body []byte) (uuid.UUID, error) {
	var m message
	if err := json.Unmarshal(body, &m); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal: %w", err)
	}
	if m.EventID == uuid.Nil {
		return uuid.Nil, errors.New("missing event_id")
	}
	return m.EventID, nil
}
