package config

import (
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Бэкенды realtime-событий.
const (
	RealtimeRedis    = "redis"
	RealtimeRabbitMQ = "rabbitmq"
	RealtimeLog      = "log"
)

// PollSlack — запас HTTP-таймаута getUpdates сверх TG_POLL_TIMEOUT.
const PollSlack = 10 * time.Second

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev" validate:"oneof=dev test prod"`
	Port        int    `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN         string `envconfig:"PG_DSN"`
	PGMaxConns    int32  `envconfig:"PG_MAX_CONNS" default:"10" validate:"min=1"`
	DBAutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0" validate:"min=0"`
	} `envconfig:""`

	Realtime struct {
		Backend     string `envconfig:"REALTIME_BACKEND" default:"log" validate:"oneof=redis rabbitmq log"`
		RabbitMQURL string `envconfig:"RABBITMQ_URL"`
		Exchange    string `envconfig:"REALTIME_EXCHANGE" default:"support.events" validate:"required"`
	} `envconfig:""`

	Telegram struct {
		Token         string        `envconfig:"TG_BOT_TOKEN"`
		WebhookSecret string        `envconfig:"TG_WEBHOOK_SECRET"`
		WebhookURL    string        `envconfig:"TG_WEBHOOK_URL" validate:"omitempty,url"`
		APIEndpoint   string        `envconfig:"TG_API_ENDPOINT"`
		PollTimeout   time.Duration `envconfig:"TG_POLL_TIMEOUT" default:"25s" validate:"min=1s,max=50s"`
		SendTimeout   time.Duration `envconfig:"TG_SEND_TIMEOUT" default:"10s" validate:"min=1s"`
	} `envconfig:""`

	Poller struct {
		ErrorBackoff time.Duration `envconfig:"POLLER_ERROR_BACKOFF" default:"3s" validate:"min=100ms"`
		TokenBackoff time.Duration `envconfig:"POLLER_TOKEN_BACKOFF" default:"30s" validate:"min=1s"`
		LeaseEnabled bool          `envconfig:"POLLER_LEASE_ENABLED" default:"false"`
		LeaseTTL     time.Duration `envconfig:"POLLER_LEASE_TTL" default:"90s" validate:"min=1s"`
	} `envconfig:""`

	Session struct {
		JWTSecret         string `envconfig:"SESSION_JWT_SECRET"`
		GuestCookieSecure bool   `envconfig:"GUEST_COOKIE_SECURE" default:"true"`
	} `envconfig:""`

	SettingsCacheTTL time.Duration `envconfig:"SETTINGS_CACHE_TTL" default:"15s" validate:"min=0"`
}

// Parse читает конфиг из окружения и проверяет его.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("чтение окружения: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return AppConfig{}, fmt.Errorf("проверка конфига: %w", err)
	}
	if cfg.Realtime.Backend == RealtimeRedis && cfg.Redis.Addr == "" {
		return AppConfig{}, fmt.Errorf("проверка конфига: REALTIME_BACKEND=redis требует REDIS_ADDR")
	}
	if cfg.Realtime.Backend == RealtimeRabbitMQ && cfg.Realtime.RabbitMQURL == "" {
		return AppConfig{}, fmt.Errorf("проверка конфига: REALTIME_BACKEND=rabbitmq требует RABBITMQ_URL")
	}
	if cfg.Poller.LeaseEnabled && cfg.Redis.Addr == "" {
		return AppConfig{}, fmt.Errorf("проверка конфига: POLLER_LEASE_ENABLED требует REDIS_ADDR")
	}
	// Lease продлевается раз в итерацию, а итерация может висеть в getUpdates до PollTimeout+PollSlack.
	if cfg.Poller.LeaseEnabled && cfg.Poller.LeaseTTL <= cfg.Telegram.PollTimeout+PollSlack {
		return AppConfig{}, fmt.Errorf("проверка конфига: POLLER_LEASE_TTL (%s) должен быть больше TG_POLL_TIMEOUT+%s", cfg.Poller.LeaseTTL, PollSlack)
	}
	return cfg, nil
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
