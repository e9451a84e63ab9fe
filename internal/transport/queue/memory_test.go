package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryQueue_DeliversToWorkers(t *testing.T) {
	q := NewMemoryQueue(16, zaptest.NewLogger(t))
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.NoError(t, q.Publish(context.Background(), id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu  sync.Mutex
		got []uuid.UUID
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, id uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, id)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(ids)
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.ElementsMatch(t, ids, got)
}

func TestMemoryQueue_FullBuffer(t *testing.T) {
	q := NewMemoryQueue(1, zaptest.NewLogger(t))

	require.NoError(t, q.Publish(context.Background(), uuid.New()))
	err := q.Publish(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueue_PublishCancelled(t *testing.T) {
	q := NewMemoryQueue(0, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Publish(ctx, uuid.New())
	require.ErrorIs(t, err, context.Canceled)
}
