package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"alertd/internal/config"
	"alertd/internal/entity"
	"alertd/internal/repository"
	"alertd/internal/repository/memory"
	httpt "alertd/internal/transport/http"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.LoadPath(path)
	require.NoError(t, err)
	return cfg
}

const memoryConfig = `
http:
  host: 127.0.0.1
  port: "0"
metrics:
  enabled: false
storage:
  driver: memory
  queue: memory
  cache: local
scheduler:
  interval: 50ms
`

func TestRun_MemoryStackStopsOnCancel(t *testing.T) {
	cfg := loadConfig(t, memoryConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, zaptest.NewLogger(t)) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestInitStorage_Memory(t *testing.T) {
	cfg := loadConfig(t, memoryConfig)
	var (
		cleanup closers
		health  []httpt.HandlerOption
	)

	repos, err := initStorage(context.Background(), cfg, zaptest.NewLogger(t), &cleanup, &health)
	require.NoError(t, err)
	assert.IsType(t, &memory.AlertRepository{}, repos.alerts)
	assert.IsType(t, &memory.EventRepository{}, repos.events)
	assert.Empty(t, cleanup)
	assert.Empty(t, health)
}

func TestInitChannelCache(t *testing.T) {
	var (
		cleanup closers
		health  []httpt.HandlerOption
	)
	log := zaptest.NewLogger(t)

	cfg := loadConfig(t, memoryConfig)
	cache, err := initChannelCache(context.Background(), cfg, log, &cleanup, &health)
	require.NoError(t, err)
	assert.IsType(t, &repository.LocalChannelCache{}, cache)

	cfg.Storage.Cache = config.DriverNone
	cache, err = initChannelCache(context.Background(), cfg, log, &cleanup, &health)
	require.NoError(t, err)
	assert.Nil(t, cache)
}

func TestInitMultiSender(t *testing.T) {
	cfg := loadConfig(t, memoryConfig+`
webhook:
  enabled: true
  url: https://app.example.com/hooks
`)
	ms := initMultiSender(cfg, nil, zaptest.NewLogger(t))
	assert.Equal(t, []entity.Channel{entity.Webapp}, ms.Channels())
}

func TestInitDispatcher_RejectsUnknownChannel(t *testing.T) {
	cfg := loadConfig(t, memoryConfig)
	cfg.Dispatcher.ChannelOrder = []string{"EMAIL"}

	repos := &repositories{
		alerts: memory.NewAlertRepository(),
		links:  memory.NewLinkRepository(),
		events: memory.NewEventRepository(),
	}
	q, err := initQueue(context.Background(), cfg, zaptest.NewLogger(t), &closers{})
	require.NoError(t, err)

	ms := initMultiSender(cfg, nil, zaptest.NewLogger(t))
	_, err = initDispatcher(cfg, repos, nil, ms, q, nil, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "unknown channel EMAIL")

	cfg.Dispatcher.ChannelOrder = []string{"TELEGRAM", "WEBAPP"}
	d, err := initDispatcher(cfg, repos, nil, ms, q, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestClosersRunInReverse(t *testing.T) {
	var (
		c     closers
		order []int
	)
	c.add(func() { order = append(order, 1) })
	c.add(func() { order = append(order, 2) })
	c.run()
	assert.Equal(t, []int{2, 1}, order)
}
