package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRabbit   = "rabbit"
	DriverRedis    = "redis"
	DriverLocal    = "local"
	DriverNone     = "none"
)

type (
	Config struct {
		App        App        `yaml:"app"        env-prefix:"APP_"`
		Logger     Logger     `yaml:"logger"     env-prefix:"LOGGER_"`
		HTTP       HTTP       `yaml:"http"       env-prefix:"HTTP_"`
		Metrics    Metrics    `yaml:"metrics"    env-prefix:"METRICS_"`
		Storage    Storage    `yaml:"storage"    env-prefix:"STORAGE_"`
		Postgres   Postgres   `yaml:"postgres"   env-prefix:"POSTGRES_"`
		Redis      Redis      `yaml:"redis"      env-prefix:"REDIS_"`
		Rabbit     Rabbit     `yaml:"rabbit"     env-prefix:"RABBIT_"`
		Telegram   Telegram   `yaml:"telegram"   env-prefix:"TELEGRAM_"`
		Webhook    Webhook    `yaml:"webhook"    env-prefix:"WEBHOOK_"`
		Dispatcher Dispatcher `yaml:"dispatcher" env-prefix:"DISPATCHER_"`
		Linking    Linking    `yaml:"linking"    env-prefix:"LINKING_"`
		Scheduler  Scheduler  `yaml:"scheduler"  env-prefix:"SCHEDULER_"`
		Env        string     `yaml:"env"        env:"ENV" env-default:"local" validate:"oneof=local dev staging prod"`
	}

	App struct {
		Name    string `yaml:"name"    env:"NAME"    env-default:"alertd" validate:"required"`
		Version string `yaml:"version" env:"VERSION" env-default:"dev"    validate:"required"`
	}

	HTTP struct {
		Host              string        `yaml:"host"                env:"HOST"                env-default:"0.0.0.0" validate:"required"`
		Port              string        `yaml:"port"                env:"PORT"                env-default:"8080"    validate:"required,numeric"`
		ReadTimeout       time.Duration `yaml:"read_timeout"        env:"READ_TIMEOUT"        env-default:"5s"      validate:"gte=10ms,lte=30s"`
		WriteTimeout      time.Duration `yaml:"write_timeout"       env:"WRITE_TIMEOUT"       env-default:"20s"     validate:"gte=10ms,lte=60s"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"        env:"IDLE_TIMEOUT"        env-default:"60s"     validate:"gte=10ms,lte=5m"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"    env:"SHUTDOWN_TIMEOUT"    env-default:"10s"     validate:"gte=10ms,lte=30s"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" env-default:"5s"      validate:"gte=10ms,lte=30s"`
	}

	Metrics struct {
		Enabled           bool          `yaml:"enabled"             env:"ENABLED"             env-default:"true"`
		Host              string        `yaml:"host"                env:"HOST"                env-default:"0.0.0.0"`
		Port              string        `yaml:"port"                env:"PORT"                env-default:"9090"    validate:"required,numeric"`
		ReadTimeout       time.Duration `yaml:"read_timeout"        env:"READ_TIMEOUT"        env-default:"5s"      validate:"gte=10ms,lte=30s"`
		WriteTimeout      time.Duration `yaml:"write_timeout"       env:"WRITE_TIMEOUT"       env-default:"5s"      validate:"gte=10ms,lte=30s"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" env-default:"5s"      validate:"gte=10ms,lte=30s"`
	}

	Logger struct {
		Level      string `yaml:"level"       env:"LEVEL"       env-default:"info" validate:"oneof=debug info warn error"`
		Filename   string `yaml:"filename"    env:"FILENAME"`
		MaxSize    int    `yaml:"max_size"    env:"MAX_SIZE"    env-default:"100"  validate:"min=1,max=1000"`
		MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS" env-default:"3"    validate:"min=0,max=20"`
		MaxAge     int    `yaml:"max_age"     env:"MAX_AGE"     env-default:"28"   validate:"min=1,max=365"`
	}

	// Storage picks the backends. memory/memory/local runs without any
	// external service.
	Storage struct {
		Driver string `yaml:"driver" env:"DRIVER" env-default:"memory" validate:"oneof=memory postgres"`
		Queue  string `yaml:"queue"  env:"QUEUE"  env-default:"memory" validate:"oneof=memory rabbit"`
		Cache  string `yaml:"cache"  env:"CACHE"  env-default:"local"  validate:"oneof=none local redis"`
	}

	Postgres struct {
		DSN            string        `yaml:"dsn"              env:"DSN"`
		PoolMax        int           `yaml:"pool_max"         env:"POOL_MAX"         env-default:"10"    validate:"min=1,max=200"`
		ConnAttempts   int           `yaml:"conn_attempts"    env:"CONN_ATTEMPTS"    env-default:"5"     validate:"min=1,max=50"`
		BaseRetryDelay time.Duration `yaml:"base_retry_delay" env:"BASE_RETRY_DELAY" env-default:"500ms" validate:"gte=10ms,lte=30s"`
		MaxRetryDelay  time.Duration `yaml:"max_retry_delay"  env:"MAX_RETRY_DELAY"  env-default:"5s"    validate:"gte=10ms,lte=1m"`
		MigrateOnStart bool          `yaml:"migrate_on_start" env:"MIGRATE_ON_START" env-default:"false"`
	}

	Redis struct {
		Addr         string        `yaml:"addr"           env:"ADDR"`
		Password     string        `yaml:"password"       env:"PASSWORD"`
		DB           int           `yaml:"db"             env:"DB"             env-default:"0"     validate:"min=0,max=15"`
		PoolSize     int           `yaml:"pool_size"      env:"POOL_SIZE"      env-default:"20"    validate:"min=1,max=100"`
		MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS" env-default:"10"    validate:"min=1,max=100"`
		PoolTimeout  time.Duration `yaml:"pool_timeout"   env:"POOL_TIMEOUT"   env-default:"100ms" validate:"gte=10ms,lte=10s"`
		ConnAttempts int           `yaml:"conn_attempts"  env:"CONN_ATTEMPTS"  env-default:"5"     validate:"min=1,max=50"`
	}

	Rabbit struct {
		URL            string `yaml:"url"             env:"URL"`
		Queue          string `yaml:"queue"           env:"QUEUE"           env-default:"alertd.notifications"`
		ConnectionName string `yaml:"connection_name" env:"CONNECTION_NAME" env-default:"alertd"`
		Prefetch       int    `yaml:"prefetch"        env:"PREFETCH"        env-default:"16" validate:"min=1,max=1000"`
		ConnAttempts   int    `yaml:"conn_attempts"   env:"CONN_ATTEMPTS"   env-default:"5"  validate:"min=1,max=50"`
	}

	Telegram struct {
		Enabled bool   `yaml:"enabled" env:"ENABLED" env-default:"false"`
		Token   string `yaml:"token"   env:"TOKEN"`
		// Bot runs the linking bot; disable it when another replica polls.
		Bot bool `yaml:"bot" env:"BOT" env-default:"true"`
	}

	Webhook struct {
		Enabled bool          `yaml:"enabled" env:"ENABLED" env-default:"false"`
		URL     string        `yaml:"url"     env:"URL"     validate:"omitempty,url"`
		Token   string        `yaml:"token"   env:"TOKEN"`
		Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" env-default:"5s" validate:"gte=100ms,lte=1m"`
	}

	Dispatcher struct {
		Workers         int           `yaml:"workers"          env:"WORKERS"          env-default:"4"     validate:"min=1,max=256"`
		QueueCapacity   int           `yaml:"queue_capacity"   env:"QUEUE_CAPACITY"   env-default:"1024"  validate:"min=1"`
		MaxAttempts     int           `yaml:"max_attempts"     env:"MAX_ATTEMPTS"     env-default:"3"     validate:"min=1,max=20"`
		BaseRetryDelay  time.Duration `yaml:"base_retry_delay" env:"BASE_RETRY_DELAY" env-default:"30s"   validate:"gte=100ms"`
		Cooldown        time.Duration `yaml:"cooldown"         env:"COOLDOWN"         env-default:"6h"    validate:"gte=0"`
		MinPriceDelta   float64       `yaml:"min_price_delta"  env:"MIN_PRICE_DELTA"  env-default:"5"     validate:"gte=0"`
		DeliveryTimeout time.Duration `yaml:"delivery_timeout" env:"DELIVERY_TIMEOUT" env-default:"10s"   validate:"gte=100ms,lte=2m"`
		HoldRetention   time.Duration `yaml:"hold_retention"   env:"HOLD_RETENTION"   env-default:"24h"   validate:"gte=1m"`
		HoldRecheck     time.Duration `yaml:"hold_recheck"     env:"HOLD_RECHECK"     env-default:"5m"    validate:"gte=1s"`
		ClaimLease      time.Duration `yaml:"claim_lease"      env:"CLAIM_LEASE"      env-default:"30s"   validate:"gte=1s"`
		DeferDelay      time.Duration `yaml:"defer_delay"      env:"DEFER_DELAY"      env-default:"5s"    validate:"gte=100ms"`
		ChannelOrder    []string      `yaml:"channel_order"    env:"CHANNEL_ORDER"    env-default:"TELEGRAM" validate:"min=1,dive,oneof=TELEGRAM WEBAPP"`
		SendPerMinute   int           `yaml:"send_per_minute"  env:"SEND_PER_MINUTE"  env-default:"0"     validate:"min=0"`
		SendBurst       int           `yaml:"send_burst"       env:"SEND_BURST"       env-default:"10"    validate:"min=1"`
	}

	Linking struct {
		CodeTTL  time.Duration `yaml:"code_ttl"  env:"CODE_TTL"  env-default:"15m" validate:"gte=1m,lte=24h"`
		CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL" env-default:"5m"  validate:"gte=1s"`
	}

	Scheduler struct {
		Interval   time.Duration `yaml:"interval"    env:"INTERVAL"    env-default:"10s"  validate:"gte=100ms"`
		Batch      uint64        `yaml:"batch"       env:"BATCH"       env-default:"100"  validate:"min=1,max=10000"`
		CleanupAge time.Duration `yaml:"cleanup_age" env:"CLEANUP_AGE" env-default:"720h" validate:"gte=1h"`
	}
)

// Load reads path when given, CONFIG_PATH otherwise, and falls back to the
// environment alone when neither is set.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return LoadEnv()
	}
	return LoadPath(path)
}

func LoadPath(configPath string) (*Config, error) {
	const op = "config.LoadPath"

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: config file does not exist: %s", op, configPath)
	} else if err != nil {
		return nil, fmt.Errorf("%s: checking config file: %w", op, err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%s: read config: %w", op, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func LoadEnv() (*Config, error) {
	const op = "config.LoadEnv"

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: read env: %w", op, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			validationErrors := make([]string, 0, len(validationErrs))
			for _, ve := range validationErrs {
				validationErrors = append(validationErrors,
					fmt.Sprintf("%s=%v must satisfy '%s'", ve.Namespace(), ve.Value(), ve.Tag()))
			}
			return fmt.Errorf("config validation: %s", strings.Join(validationErrors, "; "))
		}
		return fmt.Errorf("config validation: %w", err)
	}

	var errs []error
	if c.Storage.Driver == DriverPostgres && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required for the postgres storage driver"))
	}
	if c.Storage.Queue == DriverRabbit && c.Rabbit.URL == "" {
		errs = append(errs, errors.New("rabbit.url is required for the rabbit queue"))
	}
	if c.Storage.Cache == DriverRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis cache"))
	}
	if c.Redis.MinIdleConns > c.Redis.PoolSize {
		errs = append(errs, errors.New("redis.min_idle_conns must not exceed redis.pool_size"))
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		errs = append(errs, errors.New("webhook.url is required when the webhook channel is enabled"))
	}
	if c.Dispatcher.ClaimLease < c.Dispatcher.DeliveryTimeout {
		errs = append(errs, errors.New("dispatcher.claim_lease must cover dispatcher.delivery_timeout"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}
