// Package app wires the configured backends into the alert engine and runs
// its long-lived loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"alertd/internal/config"
	"alertd/internal/entity"
	"alertd/internal/metrics"
	"alertd/internal/repository"
	"alertd/internal/repository/memory"
	"alertd/internal/repository/migrations"
	"alertd/internal/service"
	amqpt "alertd/internal/transport/amqp"
	httpt "alertd/internal/transport/http"
	"alertd/internal/transport/queue"
	"alertd/internal/transport/sender"
	"alertd/internal/transport/telegram"
	"alertd/pkg/rabbit"
	"alertd/pkg/storage/postgres"
	"alertd/pkg/storage/redis"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const _localCacheCleanup = 10 * time.Minute

type (
	repositories struct {
		alerts service.AlertRepository
		links  service.LinkRepository
		events service.EventRepository
	}

	// eventQueue is the publish side the dispatcher needs plus the consume
	// loop the workers run.
	eventQueue struct {
		service.Queue
		consume func(ctx context.Context, workers int, handle func(context.Context, uuid.UUID)) error
	}

	closers []func()
)

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func Run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var cleanup closers
	defer cleanup.run()

	reg, m := initMetrics()
	var health []httpt.HandlerOption

	repos, err := initStorage(ctx, cfg, log, &cleanup, &health)
	if err != nil {
		return err
	}

	channelCache, err := initChannelCache(ctx, cfg, log, &cleanup, &health)
	if err != nil {
		return err
	}

	q, err := initQueue(ctx, cfg, log, &cleanup)
	if err != nil {
		return err
	}

	botAPI, err := initTelegramAPI(&cfg.Telegram)
	if err != nil {
		return err
	}

	alerts := service.NewAlertStore(repos.alerts, log)
	links := service.NewLinkingCoordinator(
		repos.links,
		log,
		service.WithCodeTTL(cfg.Linking.CodeTTL),
		service.WithChannelCache(channelCache),
	)

	dispatcher, err := initDispatcher(cfg, repos, links, initMultiSender(cfg, botAPI, log), q, m, log)
	if err != nil {
		return err
	}
	links.OnLinked(dispatcher.ReleaseHeld)

	engine := service.NewMatchEngine(alerts, dispatcher, log, m)

	scheduler, err := service.NewScheduler(
		repos.events,
		q,
		log,
		service.WithSweepInterval(cfg.Scheduler.Interval),
		service.WithSweepBatch(cfg.Scheduler.Batch),
		service.WithRepublishLease(cfg.Dispatcher.ClaimLease),
		service.WithCleanupAge(cfg.Scheduler.CleanupAge),
		service.WithCodePurger(links),
		service.WithSchedulerMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("app.Run: init scheduler: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return q.consume(ctx, cfg.Dispatcher.Workers, dispatcher.Handle)
	})
	eg.Go(func() error {
		return scheduler.Run(ctx)
	})

	if botAPI != nil && cfg.Telegram.Bot {
		bot := telegram.NewBot(botAPI, links, alerts, log)
		eg.Go(func() error {
			return bot.Run(ctx)
		})
	}

	handler := httpt.NewHandler(alerts, links, engine, dispatcher, log, append(health, httpt.WithMetrics(m))...)
	if err := initHTTPServer(ctx, eg, serverConfig(&cfg.HTTP), handler, log.With(zap.String("component", "http_server"))); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		if err := initHTTPServer(ctx, eg, metricsServerConfig(&cfg.Metrics), promHandler, log.With(zap.String("component", "metrics_server"))); err != nil {
			return err
		}
	}

	log.Info("alert engine started",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("queue", cfg.Storage.Queue),
		zap.String("cache", cfg.Storage.Cache),
		zap.Strings("channels", cfg.Dispatcher.ChannelOrder),
	)

	return waitForShutdown(eg)
}

func initMetrics() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func initStorage(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	cleanup *closers,
	health *[]httpt.HandlerOption,
) (*repositories, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn("using in-memory storage, state is lost on restart")
		return &repositories{
			alerts: memory.NewAlertRepository(),
			links:  memory.NewLinkRepository(),
			events: memory.NewEventRepository(),
		}, nil
	}

	if cfg.Postgres.MigrateOnStart {
		if err := migrations.Run(cfg.Postgres.DSN, migrations.Up); err != nil {
			return nil, fmt.Errorf("app.initStorage: %w", err)
		}
	}

	db, err := postgres.New(
		ctx,
		cfg.Postgres.DSN,
		log.With(zap.String("component", "database")),
		postgres.MaxPoolSize(cfg.Postgres.PoolMax),
		postgres.MaxConnAttempts(cfg.Postgres.ConnAttempts),
		postgres.BaseRetryDelay(cfg.Postgres.BaseRetryDelay),
		postgres.MaxRetryDelay(cfg.Postgres.MaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("app.initStorage: %w", err)
	}
	cleanup.add(db.Close)
	*health = append(*health, httpt.WithHealthCheck("postgres", db.Ping))

	return &repositories{
		alerts: repository.NewAlertRepository(db),
		links:  repository.NewLinkRepository(db),
		events: repository.NewEventRepository(db),
	}, nil
}

func initChannelCache(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	cleanup *closers,
	health *[]httpt.HandlerOption,
) (service.ChannelCache, error) {
	switch cfg.Storage.Cache {
	case config.DriverRedis:
		rdb, err := redis.New(
			ctx,
			cfg.Redis.Addr,
			cfg.Redis.Password,
			cfg.Redis.DB,
			redis.PoolSize(cfg.Redis.PoolSize),
			redis.MinIdleConns(cfg.Redis.MinIdleConns),
			redis.PoolTimeout(cfg.Redis.PoolTimeout),
			redis.ConnAttempts(cfg.Redis.ConnAttempts),
		)
		if err != nil {
			return nil, fmt.Errorf("app.initChannelCache: %w", err)
		}
		cleanup.add(func() {
			if err := rdb.Close(); err != nil {
				log.Warn("close redis", zap.Error(err))
			}
		})
		*health = append(*health, httpt.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
		return repository.NewRedisChannelCache(rdb, cfg.Linking.CacheTTL), nil
	case config.DriverLocal:
		return repository.NewLocalChannelCache(cfg.Linking.CacheTTL, _localCacheCleanup), nil
	default:
		return nil, nil
	}
}

func initQueue(ctx context.Context, cfg *config.Config, log *zap.Logger, cleanup *closers) (*eventQueue, error) {
	if cfg.Storage.Queue == config.DriverMemory {
		mq := queue.NewMemoryQueue(cfg.Dispatcher.QueueCapacity, log)
		return &eventQueue{
			Queue: mq,
			consume: func(ctx context.Context, workers int, handle func(context.Context, uuid.UUID)) error {
				return mq.Consume(ctx, workers, handle)
			},
		}, nil
	}

	conn, err := rabbit.Dial(ctx, rabbit.Config{
		URL:            cfg.Rabbit.URL,
		Queue:          cfg.Rabbit.Queue,
		ConnectionName: cfg.Rabbit.ConnectionName,
		Prefetch:       cfg.Rabbit.Prefetch,
		ConnAttempts:   cfg.Rabbit.ConnAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("app.initQueue: %w", err)
	}
	cleanup.add(func() {
		if err := conn.Close(); err != nil {
			log.Warn("close rabbit", zap.Error(err))
		}
	})

	rq := amqpt.NewRabbitQueue(conn, cfg.Rabbit.ConnectionName, log)
	return &eventQueue{
		Queue: rq,
		consume: func(ctx context.Context, workers int, handle func(context.Context, uuid.UUID)) error {
			return rq.Consume(ctx, workers, handle)
		},
	}, nil
}

func initTelegramAPI(cfg *config.Telegram) (*tgbotapi.BotAPI, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("app.initTelegramAPI: %w", err)
	}
	return api, nil
}

func initMultiSender(cfg *config.Config, botAPI *tgbotapi.BotAPI, log *zap.Logger) *sender.MultiSender {
	ms := sender.NewMultiSender()
	if botAPI != nil {
		ms.Register(entity.Telegram, sender.NewTelegramSender(botAPI, log))
	}
	if cfg.Webhook.Enabled {
		client := &http.Client{Timeout: cfg.Webhook.Timeout}
		ms.Register(entity.Webapp, sender.NewWebhookSender(client, cfg.Webhook.URL, cfg.Webhook.Token, log))
	}
	if len(ms.Channels()) == 0 {
		log.Warn("no delivery channel configured, events will be held until they expire")
	}
	return ms
}

func initDispatcher(
	cfg *config.Config,
	repos *repositories,
	links service.ChannelResolver,
	channels service.DeliveryChannel,
	q service.Queue,
	m *metrics.Metrics,
	log *zap.Logger,
) (*service.NotificationDispatcher, error) {
	order := make([]entity.Channel, 0, len(cfg.Dispatcher.ChannelOrder))
	for _, ch := range cfg.Dispatcher.ChannelOrder {
		order = append(order, entity.Channel(ch))
	}

	opts := []service.Option{
		service.WithMaxAttempts(cfg.Dispatcher.MaxAttempts),
		service.WithBaseRetryDelay(cfg.Dispatcher.BaseRetryDelay),
		service.WithCooldown(cfg.Dispatcher.Cooldown),
		service.WithMinPriceDelta(cfg.Dispatcher.MinPriceDelta),
		service.WithDeliveryTimeout(cfg.Dispatcher.DeliveryTimeout),
		service.WithHoldRetention(cfg.Dispatcher.HoldRetention),
		service.WithHoldRecheck(cfg.Dispatcher.HoldRecheck),
		service.WithClaimLease(cfg.Dispatcher.ClaimLease),
		service.WithDeferDelay(cfg.Dispatcher.DeferDelay),
		service.WithChannelOrder(order...),
		service.WithMetrics(m),
	}
	if cfg.Dispatcher.SendPerMinute > 0 {
		opts = append(opts, service.WithSendRate(cfg.Dispatcher.SendPerMinute, cfg.Dispatcher.SendBurst))
	}

	d, err := service.NewNotificationDispatcher(repos.alerts, repos.events, links, channels, q, log, opts...)
	if err != nil {
		return nil, fmt.Errorf("app.initDispatcher: %w", err)
	}
	return d, nil
}

func initHTTPServer(
	ctx context.Context,
	eg *errgroup.Group,
	cfg httpt.ServerConfig,
	handler http.Handler,
	log *zap.Logger,
) error {
	srv, err := httpt.NewServer(handler, cfg, log)
	if err != nil {
		return fmt.Errorf("app.initHTTPServer: %w", err)
	}
	eg.Go(func() error {
		return srv.Start(ctx)
	})
	return nil
}

func serverConfig(cfg *config.HTTP) httpt.ServerConfig {
	return httpt.ServerConfig{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}
}

func metricsServerConfig(cfg *config.Metrics) httpt.ServerConfig {
	return httpt.ServerConfig{
		Host:              cfg.Host,
		Port:              cfg.Port,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func waitForShutdown(eg *errgroup.Group) error {
	if err := eg.Wait(); err != nil && !isShutdownSignal(err) {
		return fmt.Errorf("app.waitForShutdown: application failed: %w", err)
	}
	return nil
}

func isShutdownSignal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
