package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeBroker struct {
	published  [][]byte
	deliveries chan amqp.Delivery
}

func (b *fakeBroker) Publish(_ context.Context, body []byte) error {
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func newTestQueue(t *testing.T) (*RabbitQueue, *fakeBroker) {
	b := &fakeBroker{deliveries: make(chan amqp.Delivery, 8)}
	return &RabbitQueue{broker: b, consumer: "test", log: zaptest.NewLogger(t)}, b
}

func TestRabbitQueue_Publish(t *testing.T) {
	q, b := newTestQueue(t)
	id := uuid.New()

	require.NoError(t, q.Publish(context.Background(), id))

	require.Len(t, b.published, 1)
	var m message
	require.NoError(t, json.Unmarshal(b.published[0], &m))
	assert.Equal(t, id, m.EventID)
}

func TestRabbitQueue_ConsumeAcksAndDropsMalformed(t *testing.T) {
	q, b := newTestQueue(t)
	acker := &fakeAcker{}
	id := uuid.New()
	body, err := json.Marshal(message{EventID: id})
	require.NoError(t, err)

	b.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}
	b.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte("{")}
	b.deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte(`{}`)}
	close(b.deliveries)

	var (
		mu  sync.Mutex
		got []uuid.UUID
	)
	err = q.Consume(context.Background(), 2, func(_ context.Context, eventID uuid.UUID) {
		mu.Lock()
		got = append(got, eventID)
		mu.Unlock()
	})
	require.Error(t, err)

	assert.Equal(t, []uuid.UUID{id}, got)
	assert.Equal(t, []uint64{1}, acker.acked)
	assert.ElementsMatch(t, []uint64{2, 3}, acker.nacked)
}

func TestRabbitQueue_ConsumeStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 3, func(context.Context, uuid.UUID) {})
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
