// Команда poller получает апдейты бота через getUpdates.
//
// Режимы доставки взаимоисключающие: пока api зарегистрировал вебхук (TG_WEBHOOK_URL),
// Telegram отвечает на getUpdates 409 и poller только ждёт ErrorBackoff между попытками.
// Запускайте poller, когда TG_WEBHOOK_URL у api не задан и вебхук снят.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"support-bridge/internal/adapters/realtime"
	"support-bridge/internal/adapters/repo"
	"support-bridge/internal/adapters/telegram"
	"support-bridge/internal/domain"
	"support-bridge/internal/infra/cache"
	"support-bridge/internal/infra/config"
	"support-bridge/internal/infra/db"
	logpkg "support-bridge/internal/infra/log"
	"support-bridge/internal/infra/metrics"
	"support-bridge/internal/usecase/ingest"
	"support-bridge/internal/usecase/notify"
	"support-bridge/internal/usecase/poller"
	"support-bridge/internal/usecase/settings"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("poller: PG_DSN обязателен, курсор хранится в базе")
	}
	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: нет подключения к БД")
	}
	defer pool.Close()
	store := repo.NewPostgres(pool)

	metrics.StartServer(ctx, logpkg.Component(logger, "metrics"), cfg.MetricsAddr)

	var (
		settingsOpts []settings.Option
		driverOpts   []poller.Option
		broadcaster  domain.Broadcaster = realtime.NewLogBroadcaster(logpkg.Component(logger, "realtime"))
	)
	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("poller: нет подключения к Redis")
		}
		defer client.Close()
		settingsOpts = append(settingsOpts, settings.WithCache(cache.NewRedis(client, "support:settings:"), cfg.SettingsCacheTTL))
		if cfg.Poller.LeaseEnabled {
			driverOpts = append(driverOpts, poller.WithLease(cache.NewLease(client, cache.LeaseKey, cfg.Poller.LeaseTTL)))
		}
		if cfg.Realtime.Backend == config.RealtimeRedis {
			broadcaster = realtime.NewRedisBroadcaster(client)
		}
	}
	if cfg.Realtime.Backend == config.RealtimeRabbitMQ {
		b, err := realtime.NewRabbitBroadcaster(cfg.Realtime.RabbitMQURL, cfg.Realtime.Exchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("poller: realtime недоступен")
		}
		defer b.Close()
		broadcaster = b
	}

	provider := settings.NewProvider(store, settings.Fallback{
		BotToken:      cfg.Telegram.Token,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	}, logpkg.Component(logger, "settings"), settingsOpts...)
	tg := telegram.NewClient(provider, logpkg.Component(logger, "telegram"),
		telegram.WithEndpoint(cfg.Telegram.APIEndpoint),
		telegram.WithSendTimeout(cfg.Telegram.SendTimeout),
		telegram.WithPollSlack(config.PollSlack),
	)
	dispatcher := notify.NewDispatcher(store, store, broadcaster, tg, logpkg.Component(logger, "notify"),
		notify.WithSendTimeout(cfg.Telegram.SendTimeout))
	gate := ingest.NewGate(store, store, store, dispatcher, tg, logpkg.Component(logger, "ingest"))

	driver := poller.NewDriver(provider, store, tg, gate, poller.Config{
		PollTimeout:  cfg.Telegram.PollTimeout,
		ErrorBackoff: cfg.Poller.ErrorBackoff,
		TokenBackoff: cfg.Poller.TokenBackoff,
	}, logpkg.Component(logger, "poller"), driverOpts...)

	logger.Info().Msg("poller: старт")
	if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("poller: остановлен с ошибкой")
	}
	logger.Info().Msg("poller: остановка")
}
