package main

import (
	"context"

	"support-bridge/internal/infra/config"
	"support-bridge/internal/infra/db"
	logpkg "support-bridge/internal/infra/log"
)

func main() {
	cfg := config.Load()
	logger := logpkg.NewLogger(cfg.AppEnv)
	if cfg.PGDSN == "" {
		logger.Fatal().Msg("migrate: PG_DSN не задан")
	}
	pool, err := db.Connect(context.Background(), cfg.PGDSN, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.Migrate(pool, logpkg.Component(logger, "migrate")); err != nil {
		logger.Fatal().Err(err).Msg("migrate: ошибка")
	}
}
