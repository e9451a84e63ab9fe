// Package rabbit is a thin RabbitMQ queue client on top of amqp091-go.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const _contentType = "application/json"

type Config struct {
	URL            string
	Queue          string
	ConnectionName string
	Prefetch       int
	ConnAttempts   int
}

type Queue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	mu   sync.Mutex
}

// Dial connects, opens a channel and declares a durable queue.
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	const op = "rabbit.Dial"

	if cfg.Queue == "" {
		return nil, fmt.Errorf("%s: queue name is required", op)
	}
	attempts := cfg.ConnAttempts
	if attempts < 1 {
		attempts = 1
	}

	var conn *amqp.Connection
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		props := amqp.NewConnectionProperties()
		if cfg.ConnectionName != "" {
			props.SetClientConnectionName(cfg.ConnectionName)
		}
		c, err := amqp.DialConfig(cfg.URL, amqp.Config{Properties: props})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: open channel: %w", op, err)
	}

	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: qos: %w", op, err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: declare queue %s: %w", op, cfg.Queue, err)
	}

	return &Queue{conn: conn, ch: ch, name: cfg.Queue}, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  _contentType,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("rabbit.Queue.Publish: %w", err)
	}
	return nil
}

// Consume starts a manual-ack consumer.
func (q *Queue) Consume(consumer string) (<-chan amqp.Delivery, error) {
	msgs, err := q.ch.Consume(q.name, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbit.Queue.Consume: %w", err)
	}
	return msgs, nil
}

func (q *Queue) Close() error {
	var errs []error
	if q.ch != nil {
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
