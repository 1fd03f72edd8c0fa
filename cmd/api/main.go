package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"support-bridge/internal/adapters/httpapi"
	"support-bridge/internal/adapters/memstore"
	"support-bridge/internal/adapters/realtime"
	"support-bridge/internal/adapters/repo"
	"support-bridge/internal/adapters/telegram"
	"support-bridge/internal/domain"
	"support-bridge/internal/infra/cache"
	"support-bridge/internal/infra/config"
	"support-bridge/internal/infra/db"
	httpinfra "support-bridge/internal/infra/http"
	logpkg "support-bridge/internal/infra/log"
	"support-bridge/internal/infra/metrics"
	"support-bridge/internal/usecase/identity"
	"support-bridge/internal/usecase/ingest"
	"support-bridge/internal/usecase/notify"
	"support-bridge/internal/usecase/poller"
	"support-bridge/internal/usecase/settings"
	"support-bridge/internal/usecase/support"
)

type storage interface {
	domain.SupportStore
	domain.SettingsRepo
}

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage
	if cfg.PGDSN != "" {
		pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: нет подключения к БД")
		}
		defer pool.Close()
		if cfg.DBAutoMigrate {
			if err := db.Migrate(pool, logpkg.Component(logger, "migrate")); err != nil {
				logger.Fatal().Err(err).Msg("api: миграции не применились")
			}
		}
		store = repo.NewPostgres(pool)
	} else {
		logger.Warn().Msg("api: PG_DSN не задан, данные хранятся в памяти процесса")
		store = memstore.New()
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
		}
		defer client.Close()
		redisClient = client
	}

	broadcaster, closeBroadcaster, err := newBroadcaster(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: realtime недоступен")
	}
	defer closeBroadcaster()

	var settingsOpts []settings.Option
	if redisClient != nil {
		settingsOpts = append(settingsOpts, settings.WithCache(cache.NewRedis(redisClient, "support:settings:"), cfg.SettingsCacheTTL))
	}
	provider := settings.NewProvider(store, settings.Fallback{
		BotToken:      cfg.Telegram.Token,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	}, logpkg.Component(logger, "settings"), settingsOpts...)

	tg := telegram.NewClient(provider, logpkg.Component(logger, "telegram"),
		telegram.WithEndpoint(cfg.Telegram.APIEndpoint),
		telegram.WithSendTimeout(cfg.Telegram.SendTimeout),
	)
	dispatcher := notify.NewDispatcher(store, store, broadcaster, tg, logpkg.Component(logger, "notify"),
		notify.WithSendTimeout(cfg.Telegram.SendTimeout))
	gate := ingest.NewGate(store, store, store, dispatcher, tg, logpkg.Component(logger, "ingest"))
	supportSvc := support.NewService(identity.NewService(store), store, store, dispatcher)

	api := httpapi.NewServer(supportSvc, gate, provider, store, logpkg.Component(logger, "httpapi"),
		httpapi.WithSessionSecret(cfg.Session.JWTSecret),
		httpapi.WithSecureCookie(cfg.Session.GuestCookieSecure),
	)
	server := httpinfra.NewServer(logpkg.Component(logger, "http"))
	api.Mount(server.Router)

	if cfg.Telegram.WebhookURL != "" {
		if err := registerWebhook(ctx, tg, provider, cfg.Telegram.WebhookURL); err != nil {
			logger.Error().Err(err).Msg("api: вебхук не зарегистрирован")
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: завершение с ошибкой")
	}
}

func newBroadcaster(cfg config.AppConfig, client *redis.Client, logger zerolog.Logger) (domain.Broadcaster, func(), error) {
	switch cfg.Realtime.Backend {
	case config.RealtimeRedis:
		return realtime.NewRedisBroadcaster(client), func() {}, nil
	case config.RealtimeRabbitMQ:
		b, err := realtime.NewRabbitBroadcaster(cfg.Realtime.RabbitMQURL, cfg.Realtime.Exchange)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return realtime.NewLogBroadcaster(logpkg.Component(logger, "realtime")), func() {}, nil
	}
}

func registerWebhook(ctx context.Context, tg *telegram.Client, provider *settings.Provider, baseURL string) error {
	secret, err := provider.WebhookSecret(ctx)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("%w: секрет вебхука не задан", domain.ErrInvalidInput)
	}
	link := strings.TrimRight(baseURL, "/") + "/telegram/webhook/" + secret
	return tg.SetWebhook(ctx, link, poller.AllowedUpdates)
}
